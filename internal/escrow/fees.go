package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/validation"
)

// FeeRates are platform fee percentages per seller tier.
type FeeRates struct {
	EmpireElite    float64 `json:"empireElite"`
	VerifiedVendor float64 `json:"verifiedVendor"`
	RegularVendor  float64 `json:"regularVendor"`
}

// DefaultFeeRates apply until a settings row has been recorded.
var DefaultFeeRates = FeeRates{EmpireElite: 0.0, VerifiedVendor: 3.0, RegularVendor: 7.0}

// FeeSettings is one row of the append-only fee settings history. The most
// recent row is the one in force.
type FeeSettings struct {
	ID string `json:"id,omitempty"`
	FeeRates
	UpdatedBy string    `json:"updatedBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// UpdateFeesRequest is the body of PUT /escrow/fees.
type UpdateFeesRequest struct {
	Fees   FeeRates `json:"fees"`
	UserID string   `json:"userId"`
}

// FeeSettings returns the rates in force, falling back to DefaultFeeRates
// when nothing has been recorded yet.
func (s *Service) FeeSettings(ctx context.Context) (FeeRates, error) {
	fs, err := s.store.LatestFeeSettings(ctx)
	if errors.Is(err, ErrFeeSettingsNotFound) {
		return DefaultFeeRates, nil
	}
	if err != nil {
		return FeeRates{}, fmt.Errorf("failed to load fee settings: %w", err)
	}
	return fs.FeeRates, nil
}

// UpdateFeeSettings appends a new settings row.
func (s *Service) UpdateFeeSettings(ctx context.Context, rates FeeRates, userID string) (*FeeSettings, error) {
	if errs := validation.Validate(
		validation.Required("userId", userID),
		validation.Percentage("fees.empireElite", rates.EmpireElite),
		validation.Percentage("fees.verifiedVendor", rates.VerifiedVendor),
		validation.Percentage("fees.regularVendor", rates.RegularVendor),
	); len(errs) > 0 {
		return nil, validationError(errs)
	}

	fs := &FeeSettings{
		ID:        idgen.WithPrefix("fs_"),
		FeeRates:  rates,
		UpdatedBy: userID,
		CreatedAt: s.now(),
	}
	if err := s.store.AddFeeSettings(ctx, fs); err != nil {
		return nil, fmt.Errorf("failed to save fee settings: %w", err)
	}

	s.log(ctx).Info("fee settings updated",
		"by", userID,
		"empireElite", rates.EmpireElite,
		"verifiedVendor", rates.VerifiedVendor,
		"regularVendor", rates.RegularVendor,
	)
	return fs, nil
}
