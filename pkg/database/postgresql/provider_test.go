package postgresql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/supporttools/pgzipbackup/pkg/database/common"
)

func TestProviderDSN(t *testing.T) {
	p := &Provider{Host: "db.local", Port: 5433, User: "backup", Database: "app"}
	assert.Equal(t, "host=db.local port=5433 user=backup dbname=app", p.DSN())

	p.Password = "it's secret"
	p.SSLMode = "disable"
	assert.Equal(t, `host=db.local port=5433 user=backup dbname=app password='it\'s secret' sslmode=disable`, p.DSN())
}

func TestProviderValidate(t *testing.T) {
	testCases := []struct {
		name    string
		p       Provider
		wantErr bool
	}{
		{"valid", Provider{Host: "h", Port: 5432, User: "u", Database: "d"}, false},
		{"missing host", Provider{Port: 5432, User: "u", Database: "d"}, true},
		{"bad port", Provider{Host: "h", Port: 70000, User: "u", Database: "d"}, true},
		{"missing user", Provider{Host: "h", Port: 5432, Database: "d"}, true},
		{"missing database", Provider{Host: "h", Port: 5432, User: "u"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBeginStatement(t *testing.T) {
	assert.Equal(t, "BEGIN", beginStatement(common.TxOptions{}))
	assert.Equal(t, "BEGIN ISOLATION LEVEL SERIALIZABLE READ ONLY",
		beginStatement(common.TxOptions{Serializable: true, ReadOnly: true}))
}
