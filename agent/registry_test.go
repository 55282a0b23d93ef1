package agent

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/guseggert/modrelay/agent/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry(log)

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	now := time.Now()
	untrack1 := r.Track(process.SessionInfo{Module: "first", PID: os.Getpid(), Started: now}, cancel1)
	untrack2 := r.Track(process.SessionInfo{Module: "second", PID: os.Getpid(), Started: now.Add(time.Second)}, cancel2)
	assert.Equal(t, 2, r.Len())

	sessions := r.List()
	require.Len(t, sessions, 2)
	assert.Equal(t, "first", sessions[0].Module)
	assert.Equal(t, "second", sessions[1].Module)
	assert.NotEqual(t, sessions[0].ID, sessions[1].ID)
	assert.Greater(t, sessions[0].RSSBytes, uint64(0))

	assert.True(t, r.Cancel(sessions[0].ID))
	assert.Error(t, ctx1.Err())
	assert.NoError(t, ctx2.Err())
	assert.False(t, r.Cancel("nope"))

	untrack1()
	assert.Equal(t, 1, r.Len())

	r.CancelAll()
	assert.Error(t, ctx2.Err())
	untrack2()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.List())
}

func TestRegistryExitedChild(t *testing.T) {
	r := NewRegistry(log)
	// a pid that can't exist; usage stays zero rather than failing the listing
	untrack := r.Track(process.SessionInfo{Module: "gone", PID: 1 << 30, Started: time.Now()}, func() {})
	defer untrack()

	sessions := r.List()
	require.Len(t, sessions, 1)
	assert.Zero(t, sessions[0].RSSBytes)
}

func TestCertsWriteAndRead(t *testing.T) {
	certs, err := GenerateCerts(time.Hour)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, certs.WriteDir(dir))

	client, err := ReadClientCerts(dir)
	require.NoError(t, err)
	assert.Equal(t, certs.CA.CertPEMBytes, client.CA.CertPEMBytes)
	assert.Equal(t, certs.Client, client.Client)

	_, err = ClientTLSConfig(client.CA.CertPEMBytes, client.Client.CertPEMBytes, client.Client.KeyPEMBytes)
	require.NoError(t, err)
	_, err = ServerTLSConfig(certs.CA.CertPEMBytes, certs.Server.CertPEMBytes, certs.Server.KeyPEMBytes)
	require.NoError(t, err)

	_, err = ServerTLSConfig([]byte("not pem"), certs.Server.CertPEMBytes, certs.Server.KeyPEMBytes)
	assert.Error(t, err)

	b, err := ReadPEMFile("")
	assert.NoError(t, err)
	assert.Nil(t, b)
}
