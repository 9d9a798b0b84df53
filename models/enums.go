package models

// OrderStatus is the main lifecycle status of a store order. This backend only
// transitions it (confirmed/ready_to_ship -> shipped -> delivered, or back to
// ready_to_ship after a failed attempt); orders are created and deleted by the
// storefront sync, never here.
type OrderStatus string

const (
	OrderStatusConfirmed   OrderStatus = "confirmed"
	OrderStatusReadyToShip OrderStatus = "ready_to_ship"
	OrderStatusShipped     OrderStatus = "shipped"
	OrderStatusDelivered   OrderStatus = "delivered"
	OrderStatusCancelled   OrderStatus = "cancelled"
)

// DispatchStatus is the lifecycle of a dispatch session.
// dispatched -> processing -> settled, or cancelled.
type DispatchStatus string

const (
	DispatchStatusDispatched DispatchStatus = "dispatched"
	DispatchStatusProcessing DispatchStatus = "processing"
	DispatchStatusSettled    DispatchStatus = "settled"
	DispatchStatusCancelled  DispatchStatus = "cancelled"
)

// DeliveryOutcome is the per-order result reported by the courier.
// pending means no result has been recorded yet.
type DeliveryOutcome string

const (
	DeliveryOutcomePending      DeliveryOutcome = "pending"
	DeliveryOutcomeDelivered    DeliveryOutcome = "delivered"
	DeliveryOutcomeNotDelivered DeliveryOutcome = "not_delivered"
	DeliveryOutcomeRejected     DeliveryOutcome = "rejected"
	DeliveryOutcomeRescheduled  DeliveryOutcome = "rescheduled"
	DeliveryOutcomeReturned     DeliveryOutcome = "returned"
)

// FailureReason is the fixed taxonomy of failed-delivery causes. Free-text
// courier input is mapped onto it by substring matching; anything non-empty
// that doesn't match becomes FailureReasonOther.
type FailureReason string

const (
	FailureReasonCustomerAbsent   FailureReason = "customer_absent"
	FailureReasonWrongAddress     FailureReason = "wrong_address"
	FailureReasonCustomerRejected FailureReason = "customer_rejected"
	FailureReasonNoMoney          FailureReason = "no_money"
	FailureReasonRescheduled      FailureReason = "rescheduled"
	FailureReasonInaccessibleZone FailureReason = "inaccessible_zone"
	FailureReasonOther            FailureReason = "other"
	FailureReasonNone             FailureReason = ""
)

// SettlementStatus is the payment lifecycle of a daily settlement.
// pending -> partial -> paid; disputed/cancelled are terminal side exits.
type SettlementStatus string

const (
	SettlementStatusPending   SettlementStatus = "pending"
	SettlementStatusPartial   SettlementStatus = "partial"
	SettlementStatusPaid      SettlementStatus = "paid"
	SettlementStatusDisputed  SettlementStatus = "disputed"
	SettlementStatusCancelled SettlementStatus = "cancelled"
)

// SettlementSource records which flow produced a settlement.
type SettlementSource string

const (
	SettlementSourceDispatch SettlementSource = "dispatch_session"
	SettlementSourceManual   SettlementSource = "manual_reconciliation"
)

// MovementType tags one carrier account ledger entry. Amounts are stored
// signed; positive increases what the carrier owes the store, negative
// decreases it:
//
//	cod_collected       +   courier holds collected cash belonging to the store
//	delivery_fee        -   fee the carrier earned on a delivered order
//	failed_attempt_fee  -   50% fee charged to the store for a failed attempt
//	payment_received    +   money the carrier received from the store
//	payment_sent        -   money the carrier remitted to the store
//	adjustment_credit   -   manual correction in the carrier's favor
//	adjustment_debit    +   manual correction in the store's favor
//	discount            -   negotiated fee discount
//	refund              -   amount returned to a customer through the carrier
type MovementType string

const (
	MovementTypeCodCollected     MovementType = "cod_collected"
	MovementTypeDeliveryFee      MovementType = "delivery_fee"
	MovementTypeFailedAttemptFee MovementType = "failed_attempt_fee"
	MovementTypePaymentReceived  MovementType = "payment_received"
	MovementTypePaymentSent      MovementType = "payment_sent"
	MovementTypeAdjustmentCredit MovementType = "adjustment_credit"
	MovementTypeAdjustmentDebit  MovementType = "adjustment_debit"
	MovementTypeDiscount         MovementType = "discount"
	MovementTypeRefund           MovementType = "refund"
)

// AdjustmentDirection is the caller-facing direction of a manual adjustment,
// converted to a signed movement amount before persisting.
type AdjustmentDirection string

const (
	AdjustmentDirectionCredit AdjustmentDirection = "credit"
	AdjustmentDirectionDebit  AdjustmentDirection = "debit"
)

// PaymentDirection of a carrier payment record, from the store's perspective.
type PaymentDirection string

const (
	PaymentDirectionInbound  PaymentDirection = "inbound"  // carrier pays store
	PaymentDirectionOutbound PaymentDirection = "outbound" // store pays carrier
)

// PaymentRecordStatus is the lifecycle of a carrier payment record.
type PaymentRecordStatus string

const (
	PaymentRecordStatusPending   PaymentRecordStatus = "pending"
	PaymentRecordStatusCompleted PaymentRecordStatus = "completed"
	PaymentRecordStatusCancelled PaymentRecordStatus = "cancelled"
	PaymentRecordStatusDisputed  PaymentRecordStatus = "disputed"
)

// DiscrepancyPolicy states how an entry point treats a mismatch between the
// expected COD total and what the courier reported. The two import paths
// intentionally differ: the sheet import is a staging step and only warns,
// manual reconciliation is the authoritative close and fails until the
// operator confirms the difference.
type DiscrepancyPolicy string

const (
	DiscrepancyPolicyWarnOnly            DiscrepancyPolicy = "warn_only"
	DiscrepancyPolicyRequireConfirmation DiscrepancyPolicy = "require_confirmation"
)

const (
	ImportDiscrepancyPolicy         = DiscrepancyPolicyWarnOnly
	ReconciliationDiscrepancyPolicy = DiscrepancyPolicyRequireConfirmation
)

// Blocks reports whether an unconfirmed discrepancy stops the operation under
// this policy.
func (p DiscrepancyPolicy) Blocks(confirmed bool) bool {
	return p == DiscrepancyPolicyRequireConfirmation && !confirmed
}

// OutboxPublishStatus for lifecycle event records.
type OutboxPublishStatus string

const (
	OutboxPublishStatusPending    OutboxPublishStatus = "pending"
	OutboxPublishStatusProcessing OutboxPublishStatus = "processing"
	OutboxPublishStatusPublished  OutboxPublishStatus = "published"
	OutboxPublishStatusFailed     OutboxPublishStatus = "failed"
	OutboxPublishStatusDead       OutboxPublishStatus = "dead"
)

// Outbox reference types.
const (
	ReferenceTypeDispatchSession = "dispatch_session"
	ReferenceTypeDailySettlement = "daily_settlement"
	ReferenceTypeCarrierPayment  = "carrier_payment"
)

// Outbox actions.
const (
	EventActionCreated   = "created"
	EventActionCancelled = "cancelled"
	EventActionSettled   = "settled"
	EventActionPaid      = "paid"
)
