package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProxyDescriptorValidate(t *testing.T) {
	cases := []struct {
		name    string
		desc    ProxyDescriptor
		wantErr bool
	}{
		{"valid", ProxyDescriptor{Name: "web", PublishAddr: "0.0.0.0", PublishPort: 8080, LocalPort: 3000}, false},
		{"empty name", ProxyDescriptor{Name: "  ", PublishPort: 1, LocalPort: 1}, true},
		{"zero local port", ProxyDescriptor{Name: "web", PublishPort: 1, LocalPort: 0}, true},
		{"zero publish port when not visitor-only", ProxyDescriptor{Name: "web", PublishAddr: "0.0.0.0", PublishPort: 0, LocalPort: 1}, true},
		{"zero publish port when visitor-only", ProxyDescriptor{Name: "web", LocalPort: 1}, true},
	}
	for _, c := range cases {
		err := c.desc.Validate()
		if c.wantErr {
			assert.Error(t, err, c.name)
		} else {
			assert.NoError(t, err, c.name)
		}
	}
}

func TestProxyDescriptorNormalizedType(t *testing.T) {
	d := ProxyDescriptor{}
	assert.Equal(t, ProxyTCP, d.NormalizedType())

	d.ProxyType = ProxyHTTP2
	assert.Equal(t, ProxyHTTP2, d.NormalizedType())
}

func TestProxyTypePoolingPolicy(t *testing.T) {
	assert.False(t, ProxyTCP.ShouldPoolConnections())
	assert.False(t, ProxySSH.ShouldPoolConnections())
	assert.True(t, ProxyHTTP1.ShouldPoolConnections())
	assert.True(t, ProxyHTTP2.ShouldPoolConnections())

	assert.Equal(t, 1, ProxyHTTP2.PoolSize(10))
	assert.Equal(t, 10, ProxyHTTP1.PoolSize(10))
}

func TestLocalDialAddrDefaultsToLoopback(t *testing.T) {
	d := ProxyDescriptor{LocalPort: 3000}
	assert.Equal(t, "127.0.0.1:3000", d.LocalDialAddr())

	d.LocalAddr = "10.0.0.5:9000"
	assert.Equal(t, "10.0.0.5:9000", d.LocalDialAddr())
}

func TestVisitorDescriptorValidateAndBindAddr(t *testing.T) {
	v := VisitorDescriptor{Name: "db", PublishPort: 5432, BindPort: 15432}
	assert.NoError(t, v.Validate())
	assert.Equal(t, "127.0.0.1:15432", v.BindListenAddr())

	v.BindAddr = "0.0.0.0"
	assert.Equal(t, "0.0.0.0:15432", v.BindListenAddr())

	v.BindPort = 0
	assert.Error(t, v.Validate())
}

func TestConfigBundleValidateSelfConsistent(t *testing.T) {
	bundle := ConfigBundle{
		Proxies: []ProxyDescriptor{
			{Name: "web", PublishAddr: "0.0.0.0", PublishPort: 8080, LocalPort: 3000},
			{Name: "ssh", PublishAddr: "0.0.0.0", PublishPort: 2222, LocalPort: 22},
		},
	}
	assert.NoError(t, bundle.ValidateSelfConsistent(0))

	assert.Error(t, bundle.ValidateSelfConsistent(8080), "publish_port colliding with server bind port must fail")

	dup := ConfigBundle{Proxies: []ProxyDescriptor{
		{Name: "web", PublishAddr: "0.0.0.0", PublishPort: 8080, LocalPort: 3000},
		{Name: "web", PublishAddr: "0.0.0.0", PublishPort: 8081, LocalPort: 3001},
	}}
	assert.Error(t, dup.ValidateSelfConsistent(0))
}
