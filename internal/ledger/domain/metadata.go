package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Well-known metadata keys.
const (
	MetaBillID             = "bill_id"
	MetaBillNumber         = "bill_number"
	MetaBillType           = "bill_type"
	MetaSource             = "source"
	MetaPaymentMethod      = "payment_method"
	MetaRecurringPaymentID = "recurring_payment_id"
	MetaUtilityProvider    = "utility_provider"
	MetaCustomerID         = "customer_id"
	MetaOriginalTxnID      = "original_transaction_id"
	MetaAddedBy            = "added_by"
	MetaCreditType         = "credit_type"
	MetaTransferType       = "transfer_type"
	MetaRecipientAccount   = "recipient_account"
	MetaTransferredBy      = "transferred_by"
	MetaProviderID         = "provider_transaction_id"
)

// ReservedMetadataKeys steer how a payment settles. They are set by the ledger
// itself and never taken from callers.
var ReservedMetadataKeys = []string{
	MetaBillID,
	MetaBillNumber,
	MetaRecurringPaymentID,
	MetaPaymentMethod,
	MetaSource,
	MetaOriginalTxnID,
}

// Metadata is a free-form key/value map restricted to scalar values.
type Metadata map[string]any

// Validate rejects nested or non-scalar values.
func (m Metadata) Validate() error {
	for k, v := range m {
		switch v.(type) {
		case string, bool, float64, float32, int, int32, int64, json.Number, nil:
		default:
			return Validationf("metadata %q must be a string, number or bool, got %T", k, v)
		}
	}
	return nil
}

// String returns the value under key rendered as a string, or "".
func (m Metadata) String(key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// Clone returns a shallow copy; values are scalars so this is a deep copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge copies other into m, allocating when m is nil.
func (m Metadata) Merge(other Metadata) Metadata {
	if m == nil && len(other) > 0 {
		m = make(Metadata, len(other))
	}
	for k, v := range other {
		m[k] = v
	}
	return m
}

// Without returns a copy of m minus keys.
func (m Metadata) Without(keys ...string) Metadata {
	out := m.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}
