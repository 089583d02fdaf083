package containerdrv

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShellHookScriptInterceptsEachVerb(t *testing.T) {
	script := shellHookScript("http://ide-api:3333")

	assert.Contains(t, script, `case "$verb" in`)
	for _, verb := range []string{"touch", "mkdir", "rm", "mv", "cp", "cd"} {
		assert.True(t, strings.Contains(script, verb), "missing verb %s", verb)
	}
	assert.Contains(t, script, "http://ide-api:3333/api/fs-event")
	assert.Contains(t, script, "trap '__sandboxd_intercept' DEBUG")
}

func TestIdeAPIBaseDefaultsWhenUnset(t *testing.T) {
	d := &Driver{}
	assert.Equal(t, "http://host.docker.internal:3333", d.ideAPIBase())

	d.ideAPI = "http://custom:9999"
	assert.Equal(t, "http://custom:9999", d.ideAPIBase())
}
