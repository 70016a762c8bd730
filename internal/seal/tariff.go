package seal

import (
	"fmt"

	"github.com/evident-proof/evident/internal/model"
)

// Bands holds the exclusive upper size bounds of the Small and Medium bands.
type Bands struct {
	SmallMax  int
	MediumMax int
}

// DefaultBands: Small < 256 B, Medium < 4 KiB, Large otherwise.
var DefaultBands = Bands{SmallMax: 256, MediumMax: 4096}

// For returns the storage band for a value of size bytes.
func (b Bands) For(size int) model.StorageBand {
	switch {
	case size < b.SmallMax:
		return model.BandSmall
	case size < b.MediumMax:
		return model.BandMedium
	default:
		return model.BandLarge
	}
}

// Validate checks that the bounds are positive and ordered.
func (b Bands) Validate() error {
	if b.SmallMax <= 0 || b.MediumMax <= b.SmallMax {
		return fmt.Errorf("invalid band bounds: small<%d medium<%d", b.SmallMax, b.MediumMax)
	}
	return nil
}

// Tariff maps a storage band to the tokens charged and rewarded for one seal.
type Tariff interface {
	Tariff(band model.StorageBand) (cost, reward model.Tokens)
}

// Rate is one row of a TableTariff.
type Rate struct {
	Cost   model.Tokens `mapstructure:"cost"`
	Reward model.Tokens `mapstructure:"reward"`
}

// TableTariff is a fixed tariff loaded from configuration.
type TableTariff map[model.StorageBand]Rate

// Tariff implements Tariff. Unknown bands cost nothing.
func (t TableTariff) Tariff(band model.StorageBand) (cost, reward model.Tokens) {
	r := t[band]
	return r.Cost, r.Reward
}

// Validate requires a non-negative rate for every band.
func (t TableTariff) Validate() error {
	for _, b := range []model.StorageBand{model.BandSmall, model.BandMedium, model.BandLarge} {
		r, ok := t[b]
		if !ok {
			return fmt.Errorf("tariff missing band %s", b)
		}
		if r.Cost < 0 || r.Reward < 0 {
			return fmt.Errorf("tariff for band %s must be non-negative", b)
		}
	}
	return nil
}
