package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Conflux/pkg/checkpoint"
)

const testConnectionString = "DefaultEndpointsProtocol=https;AccountName=test;AccountKey=dGVzdA==;EndpointSuffix=core.windows.net"

var _ checkpoint.BlobStore = (*AzureBlobStore)(nil)

func TestNewAzureBlobStore(t *testing.T) {
	tests := []struct {
		name             string
		connectionString string
		containerName    string
		errContains      string
	}{
		{
			name:          "empty connection string",
			containerName: "checkpoints",
			errContains:   "connection string is required",
		},
		{
			name:             "empty container name",
			connectionString: testConnectionString,
			errContains:      "container name is required",
		},
		{
			name:             "missing account key",
			connectionString: "AccountName=test",
			containerName:    "checkpoints",
			errContains:      "account name and key are required",
		},
		{
			name:             "valid",
			connectionString: testConnectionString,
			containerName:    "checkpoints",
		},
		{
			name:             "azurite over http",
			connectionString: "AccountName=devstoreaccount1;AccountKey=dGVzdA==;BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1",
			containerName:    "checkpoints",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewAzureBlobStore(tt.connectionString, tt.containerName, nil)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Nil(t, store)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, store)
		})
	}
}

func TestParseConnectionString(t *testing.T) {
	params := parseConnectionString("AccountName=acc; AccountKey=a2V5==;;BlobEndpoint=http://host/acc;junk")
	assert.Equal(t, "acc", params["AccountName"])
	assert.Equal(t, "a2V5==", params["AccountKey"])
	assert.Equal(t, "http://host/acc", params["BlobEndpoint"])
	assert.NotContains(t, params, "junk")
}

func TestExtractBlobPath(t *testing.T) {
	store, err := NewAzureBlobStore(testConnectionString, "checkpoints", nil)
	require.NoError(t, err)

	tests := []struct {
		reference string
		want      string
	}{
		{"runs/g1/cp.json", "runs/g1/cp.json"},
		{"/checkpoints/runs/g1/cp.json", "runs/g1/cp.json"},
		{"https://test.blob.core.windows.net/checkpoints/runs/g1/cp.json", "runs/g1/cp.json"},
		{"https://test.blob.core.windows.net/checkpoints/runs/g1/cp.json?sv=2020&sig=abc", "runs/g1/cp.json"},
		{"runs/with%20space.json", "runs/with space.json"},
	}
	for _, tt := range tests {
		t.Run(tt.reference, func(t *testing.T) {
			got, err := store.extractBlobPath(tt.reference)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = store.extractBlobPath("  ")
	assert.Error(t, err)
	_, err = store.extractBlobPath("/checkpoints/")
	assert.Error(t, err)
}

// TestAzureBlobStoreRoundTrip runs against Azurite or a real account when
// CONFLUX_AZURE_CONNECTION_STRING is set.
func TestAzureBlobStoreRoundTrip(t *testing.T) {
	conn := os.Getenv("CONFLUX_AZURE_CONNECTION_STRING")
	if conn == "" {
		t.Skip("CONFLUX_AZURE_CONNECTION_STRING not set")
	}
	store, err := NewAzureBlobStore(conn, "conflux-test", nil)
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte(`{"version":"1.0","state_data":{}}`)
	require.NoError(t, store.Write(ctx, "roundtrip/cp.json", data))
	got, err := store.Read(ctx, "roundtrip/cp.json")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = store.Read(ctx, "roundtrip/missing.json")
	assert.ErrorIs(t, err, checkpoint.ErrBlobNotFound)
}
