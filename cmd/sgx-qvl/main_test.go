package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/edgelesssys/go-sgx-qvl/blobs"
	"github.com/edgelesssys/go-sgx-qvl/verification"
	"github.com/edgelesssys/go-sgx-qvl/verification/pcs/pcstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testEnv struct {
	dir       string
	quoteFile string
	rootCA    string
	pcsURL    string
	pcs       *pcstest.Server
	platform  *blobs.Platform
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	require := require.New(t)

	platform := blobs.NewDefaultPlatform()
	pcsServer := pcstest.New(platform)
	httpServer := httptest.NewServer(pcsServer)
	t.Cleanup(httpServer.Close)

	dir := t.TempDir()
	env := &testEnv{
		dir:       dir,
		quoteFile: filepath.Join(dir, "quote"),
		rootCA:    filepath.Join(dir, "root.pem"),
		pcsURL:    httpServer.URL,
		pcs:       pcsServer,
		platform:  platform,
	}
	require.NoError(os.WriteFile(env.quoteFile, platform.Quote(), 0o600))
	require.NoError(os.WriteFile(env.rootCA, blobs.CertificatesPEM(platform.RootCert), 0o600))
	return env
}

// run executes the CLI against the test PCS. The platform's root CA is trusted unless args set --root-ca.
func (e *testEnv) run(args ...string) (string, error) {
	args = append(args, "--pcs.base_url="+e.pcsURL, "--log.level=debug")
	if !slices.ContainsFunc(args, func(arg string) bool { return strings.HasPrefix(arg, "--"+cfgRootCA) }) {
		args = append(args, "--"+cfgRootCA+"="+e.rootCA)
	}

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestVerifyCmd(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	env := newTestEnv(t)

	out, err := env.run("verify", env.quoteFile)
	require.NoError(err)

	var result map[string]any
	require.NoError(json.Unmarshal([]byte(out), &result))
	assert.Equal("UpToDate", result["status"])
	assert.Equal(2, env.pcs.Requests())

	extensions, ok := result["pckExtensions"].(map[string]any)
	require.True(ok)
	assert.Equal(hex.EncodeToString(blobs.FMSPC[:]), extensions["fmspc"])
	assert.Equal("0000", extensions["pceid"])
	assert.Len(extensions["ppid"], 32)
}

func TestVerifyCmdRevoked(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	env := newTestEnv(t)

	ext := env.platform.Extension
	env.pcs.SetTCBInfo(blobs.FMSPC, env.platform.TCBInfoJSON(blobs.FMSPC, []blobs.TCBLevel{
		{CompSVN: ext.CompSVN, PCESVN: ext.PCESVN, Status: "Revoked"},
	}))

	out, err := env.run("verify", env.quoteFile)
	assert.ErrorContains(err, "Revoked")

	var result map[string]any
	require.NoError(json.Unmarshal([]byte(out), &result))
	assert.Equal("Revoked", result["status"])
}

func TestVerifyCmdErrors(t *testing.T) {
	testCases := map[string]struct {
		args     func(e *testEnv) []string
		wantKind error
	}{
		"no quote": {
			args: func(*testEnv) []string { return []string{"verify"} },
		},
		"quote and bundle": {
			args: func(e *testEnv) []string { return []string{"verify", e.quoteFile, "--bundle", e.quoteFile} },
		},
		"quote does not exist": {
			args: func(e *testEnv) []string { return []string{"verify", filepath.Join(e.dir, "missing")} },
		},
		"not a quote": {
			args: func(e *testEnv) []string { return []string{"verify", e.rootCA} },
		},
		"not a bundle": {
			args: func(e *testEnv) []string { return []string{"verify", "--bundle", e.quoteFile} },
		},
		"untrusted root CA": {
			args: func(e *testEnv) []string {
				other := filepath.Join(e.dir, "other.pem")
				if err := os.WriteFile(other, blobs.CertificatesPEM(blobs.NewDefaultPlatform().RootCert), 0o600); err != nil {
					panic(err)
				}
				return []string{"verify", e.quoteFile, "--root-ca", other}
			},
			wantKind: verification.ErrChain,
		},
		"invalid config": {
			args: func(e *testEnv) []string { return []string{"verify", e.quoteFile, "--pcs.update=never"} },
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			out, err := env.run(tc.args(env)...)
			assert.Error(t, err)
			assert.Empty(t, out)
			if tc.wantKind != nil {
				assert.ErrorIs(t, err, tc.wantKind)
				assert.Zero(t, env.pcs.Requests())
			}
		})
	}
}

func TestCollectAndVerifyBundle(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	env := newTestEnv(t)

	bundleFile := filepath.Join(env.dir, "bundle.cbor")
	_, err := env.run("collect", env.quoteFile, "--out", bundleFile)
	require.NoError(err)
	assert.Equal(2, env.pcs.Requests())

	// the PCS is not contacted for bundles
	env.pcsURL = "http://127.0.0.1:1"
	out, err := env.run("verify", "--bundle", bundleFile)
	require.NoError(err)

	var result map[string]any
	require.NoError(json.Unmarshal([]byte(out), &result))
	assert.Equal("UpToDate", result["status"])
	assert.Equal(2, env.pcs.Requests())
}

func TestParseCmd(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	env := newTestEnv(t)

	out, err := env.run("parse", env.quoteFile)
	require.NoError(err)

	var parsed map[string]any
	require.NoError(json.Unmarshal([]byte(out), &parsed))
	assert.Contains(parsed, "quote")
	assert.Contains(parsed, "pckExtensions")
	assert.Zero(env.pcs.Requests())

	_, err = env.run("parse", env.rootCA)
	assert.Error(err)
}
