package log

type Config struct {
	Level       string `mapstructure:"level" default:"info" validate:"oneof=debug info warn error fatal"`
	Development bool   `mapstructure:"development" default:"false"`
	// DropFields lists field keys removed from every entry, e.g. payload.
	DropFields []string `mapstructure:"drop_fields"`
	// MaxFieldBytes truncates long string and payload fields; 0 disables.
	MaxFieldBytes int `mapstructure:"max_field_bytes" default:"1024" validate:"gte=0"`
}
