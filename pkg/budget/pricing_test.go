package budget_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/budget"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

func TestLoadPricing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	data := []byte(`
updated: "2026-01-01"
email_usd: 0.001
default_sms_per_segment_usd: 0.06
countries:
  - country: US
    prefix: "+1"
    per_segment_usd: 0.01
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	p, err := budget.LoadPricing(path)
	require.NoError(t, err)
	assert.Equal(t, 0.001, p.EmailUSD)
	assert.Len(t, p.Countries, 1)
	assert.Equal(t, 0.01, p.SMSRate("+1 (555) 010-0000"))
	assert.Equal(t, 0.06, p.SMSRate("+351912345678"))
}

func TestLoadPricing_Errors(t *testing.T) {
	_, err := budget.LoadPricing("/nonexistent/path.yaml")
	assert.Error(t, err)

	_, err = budget.LoadPricingFromBytes([]byte("invalid: [yaml"))
	assert.Error(t, err)

	_, err = budget.LoadPricingFromBytes([]byte("email_usd: 0.1\n"))
	assert.ErrorContains(t, err, "no sms prices")

	_, err = budget.LoadPricingFromBytes([]byte("countries:\n  - country: X\n    prefix: \"44\"\n    per_segment_usd: 0.1\n"))
	assert.ErrorContains(t, err, "must start with +")
}

func TestDefaultPricing_LongestPrefix(t *testing.T) {
	p := budget.DefaultPricing()
	assert.Equal(t, 0.0079, p.SMSRate("+12125550100"))
	assert.Equal(t, 0.0083, p.SMSRate("+12045550100"))
	assert.Equal(t, 0.0463, p.SMSRate("+447700900123"))
	assert.Equal(t, p.DefaultSMSPerSeg, p.SMSRate("+999123"))

	cost, segs := p.Cost(model.ChannelSlack, "", "hi")
	assert.Zero(t, cost)
	assert.Zero(t, segs)
}

func TestSegments(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty", "", 1},
		{"short gsm", "Endpoint down", 1},
		{"160 gsm", strings.Repeat("a", 160), 1},
		{"161 gsm", strings.Repeat("a", 161), 2},
		{"306 gsm", strings.Repeat("a", 306), 2},
		{"307 gsm", strings.Repeat("a", 307), 3},
		{"extension chars count double", strings.Repeat("€", 80), 1},
		{"extension overflow", strings.Repeat("€", 81), 2},
		{"70 ucs2", strings.Repeat("ş", 70), 1},
		{"71 ucs2", strings.Repeat("ş", 71), 2},
		{"emoji uses surrogate pairs", strings.Repeat("🚨", 35), 1},
		{"emoji overflow", strings.Repeat("🚨", 36), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, budget.Segments(tt.body))
		})
	}
}
