package cli

import "context"

// Manager abstracts the controller operations for the CLI.
type Manager interface {
	Serve(ctx context.Context) error
	Flash(ctx context.Context, req FlashRequest) <-chan ProgressEvent
	Ports(ctx context.Context, probe bool) ([]Port, error)
	Profiles(ctx context.Context) ([]Profile, error)
	Operations(ctx context.Context, limit int) ([]Operation, error)
	Check(ctx context.Context) ([]Check, error)
	Close()
}

// Factory builds a manager from the config file path given on the command line.
// It is only called by commands that need one.
type Factory func(configPath string) (Manager, error)
