package store

const (
	defaultTableName = "waybill"
	defaultInstance  = "default"
)

// Config holds configuration for the Store.
type Config struct {
	// TableName is the DynamoDB table holding every record (pk/sk string keys,
	// TTL enabled on the "ttl" attribute, streams enabled with NEW_AND_OLD_IMAGES).
	// Default: "waybill"
	TableName string

	// Instance namespaces counters and records so several deployments can share a table.
	// Default: "default"
	Instance string
}

// DefaultConfig returns sensible defaults for a single deployment.
func DefaultConfig() Config {
	return Config{
		TableName: defaultTableName,
		Instance:  defaultInstance,
	}
}

// validate fills in defaults for empty values.
func (c *Config) validate() {
	if c.TableName == "" {
		c.TableName = defaultTableName
	}
	if c.Instance == "" {
		c.Instance = defaultInstance
	}
}
