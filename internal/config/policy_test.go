package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicy = `
users:
  - uname: admin
    api_key: ${TEST_ADMIN_KEY}
    classification: tlp:amber
    roles: [retrohunt_run, retrohunt_view]
  - uname: viewer
    api_key: view-key
    roles: [retrohunt_view]
`

func TestLoadPolicy(t *testing.T) {
	t.Setenv("TEST_ADMIN_KEY", "admin-key")
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)

	ids := p.Identities()
	require.Len(t, ids, 2)
	admin := ids["admin-key"]
	assert.Equal(t, "admin", admin.Uname)
	assert.Equal(t, "TLP:AMBER", admin.Classification)
	assert.True(t, admin.HasRole("retrohunt_run"))

	viewer := ids["view-key"]
	assert.Equal(t, "TLP:CLEAR", viewer.Classification, "empty clearance is the lowest level")
	assert.False(t, viewer.HasRole("retrohunt_run"))

	require.NotNil(t, p.Gate())
	assert.True(t, p.Gate().IsAccessible(admin.Classification, "TLP:GREEN"))
}

func TestParsePolicy_CustomClassification(t *testing.T) {
	p, err := ParsePolicy([]byte(`
classification:
  levels:
    - name: UNCLASSIFIED
      aliases: [U]
    - name: SECRET
      aliases: [S]
  markings: [NOFORN]
users:
  - uname: spy
    api_key: k
    classification: s//noforn
    roles: [retrohunt_view]
`))
	require.NoError(t, err)
	assert.Equal(t, "SECRET//NOFORN", p.Users[0].Classification)
	assert.False(t, p.Gate().IsAccessible("UNCLASSIFIED", "SECRET"))
}

func TestParsePolicy_Invalid(t *testing.T) {
	tests := map[string]string{
		"no users":      `users: []`,
		"missing key":   "users:\n  - uname: a\n",
		"missing uname": "users:\n  - api_key: k\n",
		"duplicate key": "users:\n  - {uname: a, api_key: k}\n  - {uname: b, api_key: k}\n",
		"bad level":     "users:\n  - {uname: a, api_key: k, classification: TOP}\n",
		"bad role":      "users:\n  - {uname: a, api_key: k, roles: [admin]}\n",
		"bad yaml":      "users: [",
		"empty scheme":  "classification: {levels: []}\nusers:\n  - {uname: a, api_key: k}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
