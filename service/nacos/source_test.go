package nacos

import (
	"testing"
	"time"

	"marketsync/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceEnabled(t *testing.T) {
	assert.False(t, Source{}.Enabled())
	assert.False(t, Source{Addr: "127.0.0.1:8848"}.Enabled())
	assert.True(t, Source{Addr: "127.0.0.1:8848", DataID: "marketsync.yaml"}.Enabled())
}

func TestParamDefaultsGroup(t *testing.T) {
	p := Source{DataID: "a.yaml"}.param()
	assert.Equal(t, DefaultGroup, p.Group)
	assert.Equal(t, "a.yaml", p.DataId)

	p = Source{DataID: "a.yaml", Group: "SHOP"}.param()
	assert.Equal(t, "SHOP", p.Group)
}

func TestServerConfig(t *testing.T) {
	sc, err := serverConfig("10.0.0.7:8848")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", sc.IpAddr)
	assert.EqualValues(t, 8848, sc.Port)

	_, err = serverConfig("no-port")
	assert.True(t, errs.IsValidation(err))
	_, err = serverConfig("host:abc")
	assert.True(t, errs.IsValidation(err))
}

func TestClientConfig(t *testing.T) {
	cc := clientConfig(Source{Namespace: "dev", Username: "nacos", Password: "pw", Timeout: 2 * time.Second})
	assert.Equal(t, "dev", cc.NamespaceId)
	assert.EqualValues(t, 2000, cc.TimeoutMs)
	assert.Equal(t, "nacos", cc.Username)
	assert.Equal(t, "pw", cc.Password)
	assert.True(t, cc.NotLoadCacheAtStart)

	assert.EqualValues(t, 5000, clientConfig(Source{}).TimeoutMs)
}

func TestNewClientRejectsBadAddr(t *testing.T) {
	_, err := NewClient(Source{Addr: "nacos", DataID: "x"})
	assert.True(t, errs.IsValidation(err))
}
