package budget

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

//go:embed pricing/default.yaml
var defaultPricing []byte

// CountryRate is the SMS price for numbers starting with Prefix.
type CountryRate struct {
	Country       string  `yaml:"country"`
	Prefix        string  `yaml:"prefix"`
	PerSegmentUSD float64 `yaml:"per_segment_usd"`
}

// Pricing holds per-channel send costs.
type Pricing struct {
	Updated          string        `yaml:"updated"`
	EmailUSD         float64       `yaml:"email_usd"`
	DefaultSMSPerSeg float64       `yaml:"default_sms_per_segment_usd"`
	Countries        []CountryRate `yaml:"countries"`
}

// LoadPricing reads a YAML pricing file.
func LoadPricing(path string) (*Pricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file %s: %w", path, err)
	}
	p, err := LoadPricingFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("pricing file %s: %w", path, err)
	}
	return p, nil
}

// LoadPricingFromBytes parses YAML pricing data from raw bytes.
func LoadPricingFromBytes(data []byte) (*Pricing, error) {
	var p Pricing
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pricing data: %w", err)
	}
	if p.DefaultSMSPerSeg <= 0 && len(p.Countries) == 0 {
		return nil, fmt.Errorf("no sms prices defined")
	}
	for _, c := range p.Countries {
		if !strings.HasPrefix(c.Prefix, "+") {
			return nil, fmt.Errorf("country %q: prefix %q must start with +", c.Country, c.Prefix)
		}
		if c.PerSegmentUSD < 0 {
			return nil, fmt.Errorf("country %q: negative price", c.Country)
		}
	}
	return &p, nil
}

// DefaultPricing returns the built-in price table.
func DefaultPricing() *Pricing {
	p, err := LoadPricingFromBytes(defaultPricing)
	if err != nil {
		panic(fmt.Sprintf("built-in pricing: %v", err))
	}
	return p
}

// SMSRate returns the per-segment price for a number, using the longest
// matching country prefix.
func (p *Pricing) SMSRate(number string) float64 {
	number = normalizeNumber(number)
	best, rate := 0, p.DefaultSMSPerSeg
	for _, c := range p.Countries {
		if len(c.Prefix) > best && strings.HasPrefix(number, c.Prefix) {
			best, rate = len(c.Prefix), c.PerSegmentUSD
		}
	}
	return rate
}

// Cost returns the price and SMS segment count of one send.
func (p *Pricing) Cost(channel model.Channel, recipient, body string) (float64, int) {
	switch channel {
	case model.ChannelSMS:
		segs := Segments(body)
		return float64(segs) * p.SMSRate(recipient), segs
	case model.ChannelEmail:
		return p.EmailUSD, 0
	default:
		return 0, 0
	}
}

func normalizeNumber(n string) string {
	var b strings.Builder
	for i, r := range n {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
