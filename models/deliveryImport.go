package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/codops_backend/config"
	"bitbucket.org/mmdatafocus/codops_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"
)

// DeliveryOutcomeRow is one courier-reported result keyed by order number,
// as parsed from an uploaded dispatch sheet. Status and reason are free text
// in whatever the courier typed; mapping happens here.
type DeliveryOutcomeRow struct {
	OrderNumber     string           `json:"order_number"`
	DeliveryStatus  string           `json:"delivery_status"`
	AmountCollected *decimal.Decimal `json:"amount_collected"`
	FailureReason   string           `json:"failure_reason"`
	Notes           string           `json:"notes"`
}

// DeliveryImportResult carries partial-failure semantics: rows that fail
// land in Errors without aborting the batch, data-quality findings land in
// Warnings.
type DeliveryImportResult struct {
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
	Warnings  []string `json:"warnings"`
}

// mapDeliveryOutcome folds free-text courier status into the outcome enum.
// Negated forms are checked first: "NO ENTREGADO" contains "ENTREGADO".
// Unrecognized text means no result was reported, a pending no-op.
func mapDeliveryOutcome(text string) DeliveryOutcome {
	s := strings.ToUpper(strings.TrimSpace(text))
	switch {
	case s == "":
		return DeliveryOutcomePending
	case strings.Contains(s, "NO ENTREGADO"), strings.Contains(s, "NOT DELIVERED"):
		return DeliveryOutcomeNotDelivered
	case strings.Contains(s, "ENTREGADO"), strings.Contains(s, "DELIVERED"):
		return DeliveryOutcomeDelivered
	case strings.Contains(s, "RECHAZ"), strings.Contains(s, "REJECT"):
		return DeliveryOutcomeRejected
	case strings.Contains(s, "REPROGRAM"), strings.Contains(s, "RESCHED"):
		return DeliveryOutcomeRescheduled
	case strings.Contains(s, "DEVUELTO"), strings.Contains(s, "DEVOLUCION"), strings.Contains(s, "DEVOLUCIÓN"), strings.Contains(s, "RETURN"):
		return DeliveryOutcomeReturned
	default:
		return DeliveryOutcomePending
	}
}

// mapFailureReason folds free-text failure causes onto the fixed taxonomy.
// Empty stays empty; anything non-empty that matches nothing becomes other.
func mapFailureReason(text string) FailureReason {
	s := strings.ToUpper(strings.TrimSpace(text))
	switch {
	case s == "":
		return FailureReasonNone
	case strings.Contains(s, "AUSENTE"), strings.Contains(s, "NO ESTABA"), strings.Contains(s, "ABSENT"):
		return FailureReasonCustomerAbsent
	case strings.Contains(s, "DIRECCION"), strings.Contains(s, "DIRECCIÓN"), strings.Contains(s, "ADDRESS"):
		return FailureReasonWrongAddress
	case strings.Contains(s, "RECHAZ"), strings.Contains(s, "REJECT"):
		return FailureReasonCustomerRejected
	case strings.Contains(s, "SIN DINERO"), strings.Contains(s, "NO TENIA"), strings.Contains(s, "NO TENÍA"), strings.Contains(s, "MONEY"):
		return FailureReasonNoMoney
	case strings.Contains(s, "REPROGRAM"), strings.Contains(s, "RESCHED"):
		return FailureReasonRescheduled
	case strings.Contains(s, "ZONA"), strings.Contains(s, "INACCES"):
		return FailureReasonInaccessibleZone
	default:
		return FailureReasonOther
	}
}

// ImportDeliveryOutcomes applies courier-reported results to a session's
// order snapshots, row by row. Discrepancies between reported and expected
// COD amounts are warnings here, never errors: the sheet import is a staging
// step and reconciliation or settlement is where money gets confirmed. Rows
// that fail individually are collected and the rest still commit.
func ImportDeliveryOutcomes(ctx context.Context, sessionId int, rows []DeliveryOutcomeRow) (*DeliveryImportResult, error) {
	db := config.GetDB()

	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	if len(rows) == 0 {
		return nil, errors.New("no rows to import")
	}

	session, err := GetDispatchSession(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	if session.Status == DispatchStatusSettled || session.Status == DispatchStatusCancelled {
		return nil, fmt.Errorf("dispatch session %s is %s; outcomes can no longer be imported", session.SessionCode, session.Status)
	}

	byOrderNumber := make(map[string]*DispatchSessionOrder, len(session.Orders))
	for i := range session.Orders {
		byOrderNumber[session.Orders[i].OrderNumber] = &session.Orders[i]
	}

	result := DeliveryImportResult{
		Errors:   []string{},
		Warnings: []string{},
	}
	now := time.Now()

	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	// re-check under lock: a settlement committing after the load above must
	// not have this import write outcomes onto a closed session
	var current DispatchSession
	err = tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("store_id = ? AND id = ?", storeId, sessionId).
		First(&current).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if current.Status == DispatchStatusSettled || current.Status == DispatchStatusCancelled {
		tx.Rollback()
		return nil, fmt.Errorf("dispatch session %s is %s; outcomes can no longer be imported", session.SessionCode, current.Status)
	}

	for i, row := range rows {
		rowRef := fmt.Sprintf("row %d (%s)", i+1, row.OrderNumber)

		snapshot, found := byOrderNumber[strings.TrimSpace(row.OrderNumber)]
		if !found {
			result.Errors = append(result.Errors, rowRef+": order does not belong to this dispatch session")
			continue
		}

		outcome := mapDeliveryOutcome(row.DeliveryStatus)
		if outcome == DeliveryOutcomePending {
			if strings.TrimSpace(row.DeliveryStatus) != "" {
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s: unrecognized delivery status %q; row skipped", rowRef, row.DeliveryStatus))
			}
			result.Skipped++
			continue
		}

		if snapshot.Outcome != DeliveryOutcomePending {
			result.Warnings = append(result.Warnings, rowRef+": outcome was already recorded; overwriting")
		}

		amount := decimal.Zero
		if outcome == DeliveryOutcomeDelivered {
			if snapshot.IsCod {
				if row.AmountCollected != nil {
					amount = *row.AmountCollected
				} else {
					amount = snapshot.AmountToCollect
				}
				diff := amount.Sub(snapshot.AmountToCollect)
				if diff.Abs().GreaterThan(DiscrepancyTolerance) {
					msg := fmt.Sprintf(
						"%s: collected %s but expected %s (difference %s)",
						rowRef, amount.StringFixed(2), snapshot.AmountToCollect.StringFixed(2), diff.StringFixed(2))
					if ImportDiscrepancyPolicy.Blocks(false) {
						result.Errors = append(result.Errors, msg)
						result.Skipped++
						continue
					}
					result.Warnings = append(result.Warnings, msg)
				}
			} else if row.AmountCollected != nil && !row.AmountCollected.IsZero() {
				result.Warnings = append(result.Warnings, fmt.Sprintf(
					"%s: courier reported collecting %s on a prepaid order; amount forced to 0",
					rowRef, row.AmountCollected.StringFixed(2)))
			}
		}

		reason := mapFailureReason(row.FailureReason)
		if outcome == DeliveryOutcomeDelivered {
			reason = FailureReasonNone
		}

		err := tx.WithContext(ctx).Model(&DispatchSessionOrder{}).
			Where("store_id = ? AND id = ?", storeId, snapshot.ID).
			Updates(map[string]interface{}{
				"outcome":             outcome,
				"amount_collected":    amount,
				"failure_reason":      reason,
				"notes":               row.Notes,
				"outcome_recorded_at": now,
			}).Error
		if err != nil {
			result.Errors = append(result.Errors, rowRef+": "+err.Error())
			continue
		}
		result.Processed++
	}

	if result.Processed > 0 && current.Status == DispatchStatusDispatched {
		err := tx.WithContext(ctx).Model(&DispatchSession{}).
			Where("store_id = ? AND id = ? AND status = ?", storeId, sessionId, DispatchStatusDispatched).
			Updates(map[string]interface{}{"status": DispatchStatusProcessing, "processing_at": now}).Error
		if err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &result, nil
}
