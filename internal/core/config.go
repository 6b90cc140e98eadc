package core

// Config is runtime configuration for the CLI.
type Config struct {
	Broker    string
	Identity  string
	TopicBase string
	// Node is the default control point selector.
	Node    string
	Aliases map[string]string
}
