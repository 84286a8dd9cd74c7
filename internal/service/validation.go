package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/store"
)

// checkShape runs the struct tags and folds any failure into
// store.ErrValidation with the offending fields listed.
func (s *Service) checkShape(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	fields := make([]string, 0, len(validationErrors))
	for _, ve := range validationErrors {
		fields = append(fields, fmt.Sprintf("%s(%s)", ve.Namespace(), ve.Tag()))
	}
	sort.Strings(fields)
	return fmt.Errorf("%w: %s", store.ErrValidation, strings.Join(fields, ", "))
}

func (s *Service) checkTransactionRequest(req domain.CreateTransactionRequest) error {
	if err := s.checkShape(req); err != nil {
		return err
	}
	for i, line := range req.Lines {
		if line.TotalPrice.IsNegative() {
			return fmt.Errorf("%w: line %d total price must not be negative", store.ErrValidation, i+1)
		}
	}
	return nil
}

// normalizeItemRequest trims the name and checks price, cost and bundle
// rules shared by add and update.
func (s *Service) normalizeItemRequest(req domain.InventoryItemRequest) (domain.InventoryItemRequest, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := s.checkShape(req); err != nil {
		return req, err
	}

	if req.Price.IsNegative() || req.Cost.IsNegative() {
		return req, fmt.Errorf("%w: price and cost must not be negative", store.ErrValidation)
	}
	if req.Price.LessThan(req.Cost) {
		return req, fmt.Errorf("%w: price must not be below cost", store.ErrValidation)
	}

	if !req.IsBundle {
		if !req.BundlePrice.IsZero() || req.ItemsPerBundle != 0 {
			return req, fmt.Errorf("%w: bundle fields require is_bundle", store.ErrValidation)
		}
		return req, nil
	}
	if !req.BundlePrice.GreaterThan(decimal.Zero) {
		return req, fmt.Errorf("%w: bundle price must be positive", store.ErrValidation)
	}
	if req.ItemsPerBundle <= 1 {
		return req, fmt.Errorf("%w: items per bundle must be greater than one", store.ErrValidation)
	}
	return req, nil
}

func nameTaken(items []domain.InventoryItem, name string, exceptID string) bool {
	for _, item := range items {
		if item.ID == exceptID {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(item.Name), name) {
			return true
		}
	}
	return false
}
