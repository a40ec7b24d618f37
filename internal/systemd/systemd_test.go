package systemd

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExec struct {
	status int
	output string
	gotCmd string
}

func (f *fakeExec) Execute(command string) (int, string, error) {
	f.gotCmd = command
	return f.status, f.output, nil
}

func TestQueryScopesToUserSession(t *testing.T) {
	f := &fakeExec{status: 0, output: ""}
	_, _, err := Query(f, "start foo.service", "alice")
	require.NoError(t, err)
	assert.Contains(t, f.gotCmd, "su -l alice")
	assert.Contains(t, f.gotCmd, "systemctl --user start foo.service")
}

func TestQuerySystemWide(t *testing.T) {
	f := &fakeExec{status: 0}
	_, _, err := Query(f, "start foo.service", "")
	require.NoError(t, err)
	assert.Equal(t, "systemctl start foo.service", f.gotCmd)
}

func TestUnitInfoParsesKeyValueSkippingMalformedLines(t *testing.T) {
	f := &fakeExec{status: 0, output: fmt.Sprintf(
		"ActiveState=active\nnot a kv line\nDescription=My Unit=with=equals\n")}
	info, err := UnitInfo(f, "x.service", "")
	require.NoError(t, err)
	assert.Equal(t, "active", info["ActiveState"])
	assert.Equal(t, "My Unit=with=equals", info["Description"])
	assert.Len(t, info, 2)
}

func TestUnitInfoErrorsOnNonZeroStatus(t *testing.T) {
	f := &fakeExec{status: 1, output: ""}
	_, err := UnitInfo(f, "x.service", "")
	require.Error(t, err)
}
