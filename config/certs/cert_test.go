package certs

import (
	"crypto/tls"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(dir))

	server, client, err := Load(dir, "h3")
	require.NoError(t, err)
	require.Equal(t, tls.RequireAndVerifyClientCert, server.ClientAuth)
	require.Equal(t, []string{"h3"}, server.NextProtos)
	require.Len(t, client.Certificates, 1)
	require.NotNil(t, client.RootCAs)
}

func TestMutualTLSHandshake(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(dir, "localhost"))
	server, client, err := Load(dir)
	require.NoError(t, err)
	client.ServerName = "localhost"

	ln, err := tls.Listen("tcp", "127.0.0.1:0", server)
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- conn.(*tls.Conn).Handshake()
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), client)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, <-done)
}

func TestLoadMissingFiles(t *testing.T) {
	_, _, err := Load(t.TempDir())
	require.Error(t, err)

	_, err = LoadClientTLSConfig(filepath.Join(t.TempDir(), "ca.crt"), "x", "y")
	require.Error(t, err)
}

func TestServerCertificateSANs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(dir, "orchestrator.local", "10.0.0.7"))
	pair, err := tls.LoadX509KeyPair(filepath.Join(dir, ServerCertFile), filepath.Join(dir, ServerKeyFile))
	require.NoError(t, err)
	require.Equal(t, []string{"orchestrator.local"}, pair.Leaf.DNSNames)
	require.True(t, pair.Leaf.IPAddresses[0].Equal(net.ParseIP("10.0.0.7")))
}
