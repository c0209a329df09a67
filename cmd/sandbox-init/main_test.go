//go:build linux

package main

import (
	"strings"
	"testing"

	"github.com/seccomp/libseccomp-golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/runbox/sandbox"
)

func TestDecodeRequest(t *testing.T) {
	req, err := decodeRequest(strings.NewReader(`{
		"cmd": ["python3", "main.py"],
		"env": ["PATH=/usr/bin"],
		"work_dir": "/workspace",
		"namespaces": true,
		"rootfs": "/srv/rootfs/python",
		"mounts": [{"source": "/tmp/runbox-1", "target": "/workspace"}],
		"rlimits": {"cpu_seconds": 3, "open_files": 256},
		"seccomp": {}
	}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"python3", "main.py"}, req.Cmd)
	assert.Equal(t, "/workspace", req.WorkDir)
	assert.True(t, req.Namespaces)
	require.Len(t, req.Mounts, 1)
	assert.Equal(t, "/workspace", req.Mounts[0].Target)
	assert.Equal(t, uint64(3), req.Rlimits.CPUSeconds)
	require.NotNil(t, req.Seccomp)
	assert.Empty(t, req.Seccomp.ProfilePath)

	_, err = decodeRequest(strings.NewReader("not json"))
	assert.Error(t, err)
}

func TestValidateRequest(t *testing.T) {
	assert.Error(t, validateRequest(sandbox.InitRequest{WorkDir: "/workspace"}))
	assert.Error(t, validateRequest(sandbox.InitRequest{Cmd: []string{"true"}}))
	assert.NoError(t, validateRequest(sandbox.InitRequest{Cmd: []string{"true"}, WorkDir: "/workspace"}))
}

func TestParseSeccompAction(t *testing.T) {
	action, err := parseSeccompAction("scmp_act_allow")
	require.NoError(t, err)
	assert.Equal(t, seccomp.ActAllow, action)

	action, err = parseSeccompAction("SCMP_ACT_KILL_PROCESS")
	require.NoError(t, err)
	assert.Equal(t, seccomp.ActKillProcess, action)

	_, err = parseSeccompAction("SCMP_ACT_TRACE")
	assert.Error(t, err)
}

func TestLookPathKeepsExplicitPaths(t *testing.T) {
	path, err := lookPath("/bin/sh", nil)
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", path)
}
