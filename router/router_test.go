package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pyproxy/logger"
)

func newTestRouter(t *testing.T, rules Rules) *Router {
	t.Helper()
	log := logger.NewLoggerWithConfig(logger.Configuration{Level: logger.ERROR, Console: false})
	return New(rules, log)
}

func TestShouldProxy_SuffixAndWildcard(t *testing.T) {
	r := newTestRouter(t, Rules{
		DirectDomains: []string{"*.baidu.com"},
		ProxyDomains:  []string{"*"},
	})

	assert.False(t, r.ShouldProxy("map.baidu.com"))
	assert.True(t, r.ShouldProxy("mail.google.com"))
	assert.True(t, r.ShouldProxy("baidu.com"))
}

func TestShouldProxy_ExactDirect(t *testing.T) {
	r := newTestRouter(t, Rules{
		DirectDomains: []string{"baidu.com"},
		ProxyDomains:  []string{"*"},
	})

	assert.False(t, r.ShouldProxy("baidu.com"))
	assert.True(t, r.ShouldProxy("www.baidu.com"))
}

func TestShouldProxy_LocalAddresses(t *testing.T) {
	r := newTestRouter(t, Rules{
		DirectDomains: []string{"localhost", "127.0.0.1"},
		ProxyDomains:  []string{"*"},
	})

	assert.False(t, r.ShouldProxy("localhost"))
	assert.False(t, r.ShouldProxy("127.0.0.1"))
}

func TestShouldProxy_NoMatchDefaultsToDirect(t *testing.T) {
	r := newTestRouter(t, Rules{})
	assert.False(t, r.ShouldProxy("anything.example"))
}

func TestShouldProxy_PatternOrderWithinListDoesNotMatter(t *testing.T) {
	a := newTestRouter(t, Rules{ProxyDomains: []string{"*.example.com", "*.other.com"}})
	b := newTestRouter(t, Rules{ProxyDomains: []string{"*.other.com", "*.example.com"}})

	assert.Equal(t, a.ShouldProxy("sub.example.com"), b.ShouldProxy("sub.example.com"))
}
