package exports

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"bitbucket.org/mmdatafocus/codops_backend/models"
	"bitbucket.org/mmdatafocus/codops_backend/utils"
)

// RenderDispatchCSV is the plain-text sibling of the xlsx export, for
// carriers whose systems ingest CSV. Same columns, no protection or
// dropdowns (CSV has neither).
func RenderDispatchCSV(session *models.DispatchSession) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(sheetHeaders); err != nil {
		return nil, err
	}
	for _, order := range session.Orders {
		record := []string{
			order.OrderNumber,
			order.CustomerName,
			utils.FormatPhoneNational(order.CustomerPhone),
			order.Address,
			order.City,
			models.NormalizePaymentMethod(order.PaymentMethod),
			order.AmountToCollect.StringFixed(0),
			order.DeliveryFee.StringFixed(0),
			"", "", "", "",
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseDeliveryCSV reads a filled-in CSV back into outcome rows, with the
// same lenient amount handling as the sheet parser.
func ParseDeliveryCSV(r io.Reader) ([]models.DeliveryOutcomeRow, []string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, err
	}

	var outcomes []models.DeliveryOutcomeRow
	var warnings []string
	for i, record := range records {
		orderNumber := strings.TrimSpace(cellAt(record, 0))
		if orderNumber == "" || strings.EqualFold(orderNumber, sheetHeaders[0]) {
			continue
		}

		outcome := models.DeliveryOutcomeRow{
			OrderNumber:    orderNumber,
			DeliveryStatus: strings.TrimSpace(cellAt(record, 8)),
			FailureReason:  strings.TrimSpace(cellAt(record, 10)),
			Notes:          strings.TrimSpace(cellAt(record, 11)),
		}

		rawAmount := strings.TrimSpace(cellAt(record, 9))
		if rawAmount != "" {
			amount, err := parseSheetAmount(rawAmount)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("line %d (%s): unreadable amount %q", i+1, orderNumber, rawAmount))
			} else {
				outcome.AmountCollected = &amount
			}
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, warnings, nil
}
