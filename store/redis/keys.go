package redis

// DefaultKeyPrefix namespaces every key the store writes.
const DefaultKeyPrefix = "dispatch:"

// doerKey is the Hash of one doer's availability: <prefix>doer:{id}
func (s *Store) doerKey(id string) string { return s.prefix + "doer:" + id }

// geoKey is the GEO set of online doer positions.
func (s *Store) geoKey() string { return s.prefix + "doers:geo" }

// heartbeatKey is the Sorted Set of doer IDs scored by last heartbeat in
// unix milliseconds.
func (s *Store) heartbeatKey() string { return s.prefix + "doers:heartbeat" }
