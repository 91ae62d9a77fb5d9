package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainOf(t *testing.T) {
	domain, err := DomainOf("Jane.Doe@Example.COM")
	require.NoError(t, err)
	assert.Equal(t, "example.com", domain)
}

func TestDomainOfInvalidAddresses(t *testing.T) {
	for _, addr := range []string{"", "no-at-sign", "@example.com", "trailing@"} {
		_, err := DomainOf(addr)
		require.Error(t, err, "address %q should be rejected", addr)

		var cfgErr *ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	}
}

func TestResolveBuiltinProvider(t *testing.T) {
	r := NewResolver(nil)

	settings, err := r.Resolve(context.Background(), "someone@gmail.com")
	require.NoError(t, err)

	assert.Equal(t, "imap.gmail.com", settings.IMAPHost)
	assert.Equal(t, 993, settings.IMAPPort)
	assert.Equal(t, "ssl", settings.IMAPSecurity)
	assert.True(t, settings.RequiresAppPassword)
}

func TestResolveFallsBackToConvention(t *testing.T) {
	r := NewResolver(nil)

	settings, err := r.Resolve(context.Background(), "founder@startup.example")
	require.NoError(t, err)

	assert.Equal(t, "imap.startup.example", settings.IMAPHost)
	assert.Equal(t, 993, settings.IMAPPort)
	assert.Equal(t, "smtp.startup.example", settings.SMTPHost)
	assert.Equal(t, 465, settings.SMTPPort)
	assert.Equal(t, "ssl", settings.SMTPSecurity)
}
