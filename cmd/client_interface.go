package cmd

import (
	"context"

	"firestige.xyz/loramesh/internal/command"
)

// ClientInterface is the part of the control client the commands use.
// *command.UDSClient implements it.
type ClientInterface interface {
	Call(ctx context.Context, method string, params interface{}) (*command.Response, error)
	ConfigReload(ctx context.Context) (*command.Response, error)
	Shutdown(ctx context.Context) (*command.Response, error)
}

// newClient is replaced in tests.
var newClient = func() ClientInterface {
	return command.NewUDSClient(socketPath, timeout)
}
