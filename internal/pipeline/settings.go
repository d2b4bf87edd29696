package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"invoicematch/internal/config"
)

var (
	ErrNilSnapshot     = errors.New("pipeline: nil reference snapshot")
	ErrInvalidSettings = errors.New("pipeline: invalid settings")
)

var settingsValidate = validator.New()

// Settings is everything the matchers and the validator read. It is passed by
// value and never changed after construction.
type Settings struct {
	ArithmeticTolerance    decimal.Decimal
	MaxInvoiceAgeDays      int     `validate:"gte=0"`
	MaxFutureDays          int     `validate:"gte=0"`
	SupplierFuzzyThreshold float64 `validate:"gte=0,lte=100"`
	LineFuzzyThreshold     float64 `validate:"gte=0,lte=100"`
	// Plausible tax rate bounds as fractions of the subtotal.
	TaxRateMin decimal.Decimal
	TaxRateMax decimal.Decimal
	// Location decides which calendar day "today" is for the date checks.
	// Nil keeps the processing time's own zone.
	Location *time.Location `validate:"-"`
}

func DefaultSettings() Settings {
	return Settings{
		ArithmeticTolerance:    decimal.RequireFromString("0.05"),
		MaxInvoiceAgeDays:      90,
		MaxFutureDays:          0,
		SupplierFuzzyThreshold: 85,
		LineFuzzyThreshold:     70,
		TaxRateMin:             decimal.Zero,
		TaxRateMax:             decimal.RequireFromString("0.25"),
	}
}

func (s Settings) Validate() error {
	if err := settingsValidate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if s.ArithmeticTolerance.IsNegative() {
		return fmt.Errorf("%w: negative arithmetic tolerance %s", ErrInvalidSettings, s.ArithmeticTolerance)
	}
	if s.TaxRateMin.IsNegative() || s.TaxRateMax.LessThan(s.TaxRateMin) {
		return fmt.Errorf("%w: tax rate bounds %s..%s", ErrInvalidSettings, s.TaxRateMin, s.TaxRateMax)
	}
	return nil
}

// SettingsFromConfig reads thresholds from the environment configuration.
func SettingsFromConfig(cfg config.Config) (Settings, error) {
	s := Settings{
		MaxInvoiceAgeDays:      cfg.MaxInvoiceAgeDays,
		MaxFutureDays:          cfg.MaxFutureDays,
		SupplierFuzzyThreshold: cfg.SupplierFuzzyThreshold,
		LineFuzzyThreshold:     cfg.LineFuzzyThreshold,
	}
	var err error
	if s.Location, err = loadLocation(cfg.Timezone); err != nil {
		return Settings{}, fmt.Errorf("%w: timezone: %v", ErrInvalidSettings, err)
	}
	if s.ArithmeticTolerance, err = decimal.NewFromString(cfg.ArithmeticTolerance); err != nil {
		return Settings{}, fmt.Errorf("%w: arithmetic tolerance: %v", ErrInvalidSettings, err)
	}
	if s.TaxRateMin, err = decimal.NewFromString(cfg.TaxRateMin); err != nil {
		return Settings{}, fmt.Errorf("%w: tax rate min: %v", ErrInvalidSettings, err)
	}
	if s.TaxRateMax, err = decimal.NewFromString(cfg.TaxRateMax); err != nil {
		return Settings{}, fmt.Errorf("%w: tax rate max: %v", ErrInvalidSettings, err)
	}
	return s, s.Validate()
}

// loadLocation resolves an IANA zone name; empty means the host's local zone.
func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
