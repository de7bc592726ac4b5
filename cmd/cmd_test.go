package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/loramesh/internal/command"
	"firestige.xyz/loramesh/internal/config"
	"firestige.xyz/loramesh/internal/core"
)

// MockClient implements ClientInterface
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Call(ctx context.Context, method string, params interface{}) (*command.Response, error) {
	args := m.Called(ctx, method, params)
	resp, _ := args.Get(0).(*command.Response)
	return resp, args.Error(1)
}

func (m *MockClient) ConfigReload(ctx context.Context) (*command.Response, error) {
	args := m.Called(ctx)
	resp, _ := args.Get(0).(*command.Response)
	return resp, args.Error(1)
}

func (m *MockClient) Shutdown(ctx context.Context) (*command.Response, error) {
	args := m.Called(ctx)
	resp, _ := args.Get(0).(*command.Response)
	return resp, args.Error(1)
}

func TestRunReload_Success(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("ConfigReload", mock.Anything).Return(&command.Response{Result: map[string]interface{}{"status": "reloaded"}}, nil)

	var buf bytes.Buffer
	err := runReload(context.Background(), mockClient, &buf)

	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ Configuration reloaded successfully")
	mockClient.AssertExpectations(t)
}

func TestRunReload_Failure(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("ConfigReload", mock.Anything).Return(nil, errors.New("connection failed"))

	var buf bytes.Buffer
	err := runReload(context.Background(), mockClient, &buf)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reload")
	assert.Contains(t, err.Error(), "connection failed")
	assert.Empty(t, buf.String())
	mockClient.AssertExpectations(t)
}

func TestRunReload_DaemonError(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("ConfigReload", mock.Anything).Return(&command.Response{
		Error: &command.ErrorInfo{Code: command.ErrCodeInternalError, Message: "bad config"},
	}, nil)

	err := runReload(context.Background(), mockClient, &bytes.Buffer{})

	assert.ErrorContains(t, err, "bad config")
}

func TestRunQuery_PrintsJSON(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Call", mock.Anything, command.MethodStatus, nil).Return(&command.Response{
		Result: map[string]interface{}{"relay_id": "a0000001", "state": "connected"},
	}, nil)

	var buf bytes.Buffer
	err := runQuery(context.Background(), mockClient, command.MethodStatus, nil, &buf)

	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"relay_id": "a0000001"`)
	assert.Contains(t, buf.String(), `"state": "connected"`)
	mockClient.AssertExpectations(t)
}

func TestRunQuery_Errors(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Call", mock.Anything, command.MethodTopology, nil).Return(nil, core.ErrDaemonNotRunning)
	mockClient.On("Call", mock.Anything, command.MethodStats, nil).Return(&command.Response{
		Error: &command.ErrorInfo{Code: command.ErrCodeInternalError, Message: "engine stopped"},
	}, nil)

	err := runQuery(context.Background(), mockClient, command.MethodTopology, nil, &bytes.Buffer{})
	assert.ErrorIs(t, err, core.ErrDaemonNotRunning)

	err = runQuery(context.Background(), mockClient, command.MethodStats, nil, &bytes.Buffer{})
	assert.ErrorContains(t, err, "engine stopped")
}

func TestRelaysCmd_PassesFilter(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Call", mock.Anything, command.MethodRelays, command.RelaysParams{RelayID: "a0000002"}).Return(&command.Response{
		Result: map[string]interface{}{"count": 1},
	}, nil)

	original := newClient
	newClient = func() ClientInterface { return mockClient }
	defer func() { newClient = original }()

	var buf bytes.Buffer
	relaysCmd.SetOut(&buf)
	defer relaysCmd.SetOut(nil)

	err := relaysCmd.RunE(relaysCmd, []string{"a0000002"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"count": 1`)
	mockClient.AssertExpectations(t)

	err = relaysCmd.RunE(relaysCmd, []string{"not-hex"})
	assert.Error(t, err)
}

func TestMeshCommandCmd(t *testing.T) {
	want := command.MeshCommandParams{
		RelayID:  "a0000002",
		Commands: []command.MeshCommandItem{{Type: 131, Payload: "eth0"}},
	}
	mockClient := new(MockClient)
	mockClient.On("Call", mock.Anything, command.MethodMeshCommand, want).Return(&command.Response{
		Result: map[string]interface{}{"packet_id": 17},
	}, nil)

	original := newClient
	newClient = func() ClientInterface { return mockClient }
	defer func() { newClient = original }()

	var buf bytes.Buffer
	meshCommandCmd.SetOut(&buf)
	defer meshCommandCmd.SetOut(nil)

	require.NoError(t, meshCommandCmd.RunE(meshCommandCmd, []string{"a0000002", "131", "eth0"}))
	assert.Contains(t, buf.String(), `"packet_id": 17`)
	mockClient.AssertExpectations(t)
}

func TestMeshCommandParams(t *testing.T) {
	p, err := meshCommandParams([]string{"a0000002", "0x84", "00ff"}, true)
	require.NoError(t, err)
	assert.Equal(t, command.MeshCommandItem{Type: 0x84, PayloadHex: "00ff"}, p.Commands[0])

	p, err = meshCommandParams([]string{"a0000002", "130"}, false)
	require.NoError(t, err)
	assert.Equal(t, command.MeshCommandItem{Type: 130}, p.Commands[0])

	_, err = meshCommandParams([]string{"a0000002", "1"}, false)
	assert.ErrorContains(t, err, "128..255")
	_, err = meshCommandParams([]string{"a0000002", "256"}, false)
	assert.Error(t, err)
	_, err = meshCommandParams([]string{"nope", "130"}, false)
	assert.Error(t, err)
}

func TestRunStop_ViaSocket(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Shutdown", mock.Anything).Return(&command.Response{
		Result: map[string]interface{}{"status": "shutting_down"},
	}, nil)

	original := stopByPID
	stopByPID = func(string) error {
		t.Error("PID fallback used while the socket answered")
		return nil
	}
	defer func() { stopByPID = original }()

	var buf bytes.Buffer
	require.NoError(t, runStop(context.Background(), mockClient, "/run/loramesh.pid", &buf))
	assert.Contains(t, buf.String(), "shutting down")
}

func TestRunStop_FallsBackToPIDFile(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Shutdown", mock.Anything).Return(nil, core.ErrDaemonNotRunning)

	var got string
	original := stopByPID
	stopByPID = func(pidFile string) error {
		got = pidFile
		return nil
	}
	defer func() { stopByPID = original }()

	var buf bytes.Buffer
	require.NoError(t, runStop(context.Background(), mockClient, "/run/loramesh.pid", &buf))
	assert.Equal(t, "/run/loramesh.pid", got)
	assert.Contains(t, buf.String(), "Daemon stopped")
}

func TestRunStop_OtherErrors(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Shutdown", mock.Anything).Return(nil, errors.New("permission denied"))

	err := runStop(context.Background(), mockClient, "", &bytes.Buffer{})
	assert.ErrorContains(t, err, "permission denied")
}

func TestRunConfig_RoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, runConfig("a0000001", &buf))

	var root config.Root
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &root))
	assert.Equal(t, "a0000001", root.LoRaMesh.Node.RelayID)
	assert.Equal(t, 8, root.LoRaMesh.Mesh.MaxHopCount)

	// The generated file is a valid configuration.
	path := filepath.Join(t.TempDir(), "loramesh.yml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	var out bytes.Buffer
	require.NoError(t, runValidate(path, &out))
	assert.Contains(t, out.String(), "VALID: relay a0000001")
}

func TestRunValidate_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
loramesh:
  node:
    relay_id: "a0000001"
  mesh:
    max_hop_count: 0
`), 0644))

	err := runValidate(path, &bytes.Buffer{})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
	assert.ErrorContains(t, err, "max_hop_count")
}
