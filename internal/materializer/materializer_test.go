package materializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkspaceJoinNormalizesLeadingSlash(t *testing.T) {
	assert.Equal(t, "workspace/src/main.py", workspaceJoin("/src/main.py"))
	assert.Equal(t, "workspace/src/main.py", workspaceJoin("src/main.py"))
}

func TestParentDirOfTopLevelFileIsEmpty(t *testing.T) {
	assert.Equal(t, "", parentDir("a.txt"))
	assert.Equal(t, "", parentDir("/a.txt"))
}

func TestParentDirOfNestedFile(t *testing.T) {
	assert.Equal(t, "/src", parentDir("/src/main.py"))
	assert.Equal(t, "/src", parentDir("src/main.py"))
}
