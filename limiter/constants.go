package limiter

// LimitBy types. They double as meta keys.
const (
	LimitByIP           = "ip"
	LimitByConnectionID = "connection_id"
)

// Storage types
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// keyPrefix namespaces bucket keys in redis.
const keyPrefix = "cable:ratelimit:"
