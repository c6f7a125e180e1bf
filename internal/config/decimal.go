package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var one = decimal.NewFromInt(1)

// Decimal reads quoted or bare YAML numbers without float rounding.
type Decimal struct {
	decimal.Decimal
}

func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("decimal must be a scalar")
	}
	if value.Value == "" {
		d.Decimal = decimal.Zero
		return nil
	}
	v, err := decimal.NewFromString(value.Value)
	if err != nil {
		return fmt.Errorf("invalid decimal %q: %w", value.Value, err)
	}
	d.Decimal = v
	return nil
}

func (d Decimal) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Seconds reads the value as a number of seconds.
func (d Decimal) Seconds() time.Duration {
	return time.Duration(d.Mul(decimal.NewFromInt(int64(time.Second))).IntPart())
}

func (d Decimal) Float() float64 {
	return d.InexactFloat64()
}
