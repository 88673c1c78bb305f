package types

import (
	"fmt"
	"strings"
)

// --------------------------------------------
// Category: what the caller wanted
// --------------------------------------------
type Category string

const (
	CategoryConsultation    Category = "consultation"
	CategoryTourReservation Category = "tour-reservation"
	CategoryBrochureRequest Category = "brochure-request"
	CategoryClosureConsult  Category = "grave-closure-consultation"
	CategoryNotApplicable   Category = "not-applicable"
	CategoryUnreachable     Category = "unreachable"
)

var categoryLabels = map[Category]string{
	CategoryConsultation:    "お墓の相談",
	CategoryTourReservation: "見学予約",
	CategoryBrochureRequest: "資料送付",
	CategoryClosureConsult:  "墓じまい相談",
	CategoryNotApplicable:   "対象外",
	CategoryUnreachable:     "不通",
}

// Label is the value the record system's drop-down expects.
func (c Category) Label() string { return categoryLabels[c] }

// ParseCategory accepts either the Japanese label or the identifier.
func ParseCategory(raw string) (Category, error) {
	v := strings.TrimSpace(raw)
	for c, label := range categoryLabels {
		if v == label || strings.EqualFold(v, string(c)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("category %q is not one of the allowed values", raw)
}

// DeriveStatus: the four actionable categories and "unreachable" are valid,
// everything else is invalid.
func (c Category) DeriveStatus() Status {
	switch c {
	case CategoryConsultation, CategoryTourReservation, CategoryBrochureRequest,
		CategoryClosureConsult, CategoryUnreachable:
		return StatusValid
	default:
		return StatusInvalid
	}
}

// --------------------------------------------
// CustomerInfo: new or existing relationship
// --------------------------------------------
type CustomerInfo string

const (
	CustomerNew      CustomerInfo = "new"
	CustomerExisting CustomerInfo = "existing"
)

var customerInfoLabels = map[CustomerInfo]string{
	CustomerNew:      "新規",
	CustomerExisting: "その他",
}

func (c CustomerInfo) Label() string { return customerInfoLabels[c] }

func ParseCustomerInfo(raw string) (CustomerInfo, error) {
	v := strings.TrimSpace(raw)
	for c, label := range customerInfoLabels {
		if v == label || strings.EqualFold(v, string(c)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("customer_info %q is not one of the allowed values", raw)
}

// --------------------------------------------
// Status: derived from Category, never trusted from the model
// --------------------------------------------
type Status string

const (
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
)

func (s Status) Label() string {
	if s == StatusValid {
		return "有効"
	}
	return "無効"
}
