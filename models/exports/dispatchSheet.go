package exports

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"bitbucket.org/mmdatafocus/codops_backend/models"
	"bitbucket.org/mmdatafocus/codops_backend/utils"
	"github.com/disintegration/imaging"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// Dispatch sheet layout. The same workbook is both the export the courier
// receives and the import the store uploads back, so the reader and writer
// below must agree on every position.
//
// Rows 1-3 are branding (store name, session header, logo), row 4 is the
// column header, data starts at row 5. Columns A-H are computed and locked;
// I-L are what the courier fills in.
const (
	DispatchSheetName = "HOJA DE REPARTO"

	sheetHeaderRow    = 4
	sheetFirstDataRow = 5

	colOrderNumber     = "A"
	colCustomer        = "B"
	colPhone           = "C"
	colAddress         = "D"
	colCity            = "E"
	colPaymentType     = "F"
	colAmountToCollect = "G"
	colFee             = "H"
	colDeliveryStatus  = "I"
	colAmountCollected = "J"
	colFailureReason   = "K"
	colNotes           = "L"
)

// sheetGuardPassword protects the locked region. It is a shared, hardcoded
// passphrase: an accidental-edit guard for couriers, not a security control.
const sheetGuardPassword = "reparto"

var sheetHeaders = []string{
	"PEDIDO", "CLIENTE", "TELÉFONO", "DIRECCIÓN", "CIUDAD",
	"TIPO_PAGO", "A_COBRAR", "TARIFA",
	"ESTADO_ENTREGA", "MONTO_COBRADO", "MOTIVO", "OBSERVACIONES",
}

// DeliveryStatusOptions constrains the ESTADO_ENTREGA dropdown. The importer
// maps these strings (and free-text variants such as DEVUELTO) onto the
// outcome enum.
var DeliveryStatusOptions = []string{
	"ENTREGADO", "NO ENTREGADO", "RECHAZADO", "REPROGRAMADO",
}

// FailureReasonOptions constrains the MOTIVO dropdown.
var FailureReasonOptions = []string{
	"CLIENTE AUSENTE", "DIRECCIÓN INCORRECTA", "RECHAZADO POR CLIENTE",
	"SIN DINERO", "REPROGRAMADO", "ZONA INACCESIBLE", "OTRO",
}

// BuildDispatchSheet renders a dispatch session into the courier workbook.
// logo may be nil; when present it is resized and placed in the branding
// region.
func BuildDispatchSheet(session *models.DispatchSession, store *models.Store, logo []byte) (*excelize.File, error) {
	f := excelize.NewFile()
	f.SetSheetName("Sheet1", DispatchSheetName)
	sheet := DispatchSheetName

	carrierName := ""
	if session.Carrier != nil {
		carrierName = session.Carrier.Name
	}

	// branding region
	if err := f.MergeCell(sheet, "A1", "H1"); err != nil {
		return nil, err
	}
	f.SetCellValue(sheet, "A1", store.Name)
	if err := f.MergeCell(sheet, "A2", "H2"); err != nil {
		return nil, err
	}
	f.SetCellValue(sheet, "A2", fmt.Sprintf("Hoja de reparto %s — %s — %s",
		session.SessionCode, carrierName, session.DispatchDate.Format("02/01/2006")))
	if err := f.MergeCell(sheet, "A3", "H3"); err != nil {
		return nil, err
	}
	f.SetCellValue(sheet, "A3", fmt.Sprintf("Pedidos: %d   COD esperado: %s   Prepagados: %d",
		session.OrderCount, session.TotalCodExpected.StringFixed(0), session.TotalPrepaid))

	if len(logo) > 0 {
		if err := placeLogo(f, sheet, logo); err != nil {
			return nil, err
		}
	}

	titleStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 14}})
	if err != nil {
		return nil, err
	}
	f.SetCellStyle(sheet, "A1", "A1", titleStyle)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"DDDDDD"}},
	})
	if err != nil {
		return nil, err
	}
	for i, h := range sheetHeaders {
		cell, err := excelize.CoordinatesToCellName(i+1, sheetHeaderRow)
		if err != nil {
			return nil, err
		}
		f.SetCellValue(sheet, cell, h)
	}
	f.SetCellStyle(sheet,
		colOrderNumber+fmt.Sprint(sheetHeaderRow),
		colNotes+fmt.Sprint(sheetHeaderRow),
		headerStyle)

	// data rows
	for i, order := range session.Orders {
		row := sheetFirstDataRow + i
		f.SetCellValue(sheet, colOrderNumber+fmt.Sprint(row), order.OrderNumber)
		f.SetCellValue(sheet, colCustomer+fmt.Sprint(row), order.CustomerName)
		f.SetCellValue(sheet, colPhone+fmt.Sprint(row), utils.FormatPhoneNational(order.CustomerPhone))
		f.SetCellValue(sheet, colAddress+fmt.Sprint(row), order.Address)
		f.SetCellValue(sheet, colCity+fmt.Sprint(row), order.City)
		f.SetCellValue(sheet, colPaymentType+fmt.Sprint(row), models.NormalizePaymentMethod(order.PaymentMethod))
		f.SetCellValue(sheet, colAmountToCollect+fmt.Sprint(row), order.AmountToCollect.InexactFloat64())
		f.SetCellValue(sheet, colFee+fmt.Sprint(row), order.DeliveryFee.InexactFloat64())
	}

	lastDataRow := sheetFirstDataRow + len(session.Orders) - 1

	// summary row
	summaryRow := lastDataRow + 2
	f.SetCellValue(sheet, colPaymentType+fmt.Sprint(summaryRow), "TOTAL A COBRAR")
	f.SetCellValue(sheet, colAmountToCollect+fmt.Sprint(summaryRow), session.TotalCodExpected.InexactFloat64())

	if err := addDropdowns(f, sheet, lastDataRow); err != nil {
		return nil, err
	}
	if err := protectComputedRegion(f, sheet, lastDataRow); err != nil {
		return nil, err
	}

	return f, nil
}

// RenderDispatchSheet is BuildDispatchSheet serialized to xlsx bytes.
func RenderDispatchSheet(session *models.DispatchSession, store *models.Store, logo []byte) ([]byte, error) {
	f, err := BuildDispatchSheet(session, store, logo)
	if err != nil {
		return nil, err
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func placeLogo(f *excelize.File, sheet string, logo []byte) error {
	img, err := imaging.Decode(bytes.NewReader(logo))
	if err != nil {
		// a bad logo never blocks the export
		return nil
	}
	resized := imaging.Resize(img, 0, 60, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.PNG); err != nil {
		return err
	}
	return f.AddPictureFromBytes(sheet, colDeliveryStatus+"1", &excelize.Picture{
		Extension: ".png",
		File:      buf.Bytes(),
	})
}

func addDropdowns(f *excelize.File, sheet string, lastDataRow int) error {
	statusDV := excelize.NewDataValidation(true)
	statusDV.Sqref = fmt.Sprintf("%s%d:%s%d", colDeliveryStatus, sheetFirstDataRow, colDeliveryStatus, lastDataRow)
	if err := statusDV.SetDropList(DeliveryStatusOptions); err != nil {
		return err
	}
	if err := f.AddDataValidation(sheet, statusDV); err != nil {
		return err
	}

	reasonDV := excelize.NewDataValidation(true)
	reasonDV.Sqref = fmt.Sprintf("%s%d:%s%d", colFailureReason, sheetFirstDataRow, colFailureReason, lastDataRow)
	if err := reasonDV.SetDropList(FailureReasonOptions); err != nil {
		return err
	}
	return f.AddDataValidation(sheet, reasonDV)
}

// protectComputedRegion locks the whole sheet and then unlocks only the
// courier-editable columns, so a filled-in file cannot corrupt the computed
// fields the importer and settlement math rely on.
func protectComputedRegion(f *excelize.File, sheet string, lastDataRow int) error {
	unlocked, err := f.NewStyle(&excelize.Style{
		Protection: &excelize.Protection{Locked: false},
	})
	if err != nil {
		return err
	}
	err = f.SetCellStyle(sheet,
		colDeliveryStatus+fmt.Sprint(sheetFirstDataRow),
		colNotes+fmt.Sprint(lastDataRow),
		unlocked)
	if err != nil {
		return err
	}

	return f.ProtectSheet(sheet, &excelize.SheetProtectionOptions{
		Password:            sheetGuardPassword,
		SelectLockedCells:   true,
		SelectUnlockedCells: true,
	})
}

// ParseDeliverySheet reads a filled-in dispatch sheet back into outcome rows.
// It tolerates sloppy files: unknown amounts become nil (the importer falls
// back to the expected amount) and the problems are reported as warnings
// rather than failing the upload.
func ParseDeliverySheet(r io.Reader) ([]models.DeliveryOutcomeRow, []string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	sheet := DispatchSheetName
	if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
		sheet = f.GetSheetName(0)
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, nil, err
	}

	var outcomes []models.DeliveryOutcomeRow
	var warnings []string
	for i := sheetFirstDataRow - 1; i < len(rows); i++ {
		row := rows[i]
		orderNumber := strings.TrimSpace(cellAt(row, 0))
		if orderNumber == "" {
			continue
		}
		// the summary row has no order number in column A, but guard against
		// stray labels anyway
		if strings.HasPrefix(strings.ToUpper(orderNumber), "TOTAL") {
			continue
		}

		outcome := models.DeliveryOutcomeRow{
			OrderNumber:    orderNumber,
			DeliveryStatus: strings.TrimSpace(cellAt(row, 8)),
			FailureReason:  strings.TrimSpace(cellAt(row, 10)),
			Notes:          strings.TrimSpace(cellAt(row, 11)),
		}

		rawAmount := strings.TrimSpace(cellAt(row, 9))
		if rawAmount != "" {
			amount, err := parseSheetAmount(rawAmount)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("row %d (%s): unreadable amount %q", i+1, orderNumber, rawAmount))
			} else {
				outcome.AmountCollected = &amount
			}
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, warnings, nil
}

// parseSheetAmount accepts the number formats couriers actually type:
// "150000", "150.000" (thousands dots), "150,50".
func parseSheetAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "")
	if strings.Contains(s, ",") {
		// comma is the decimal separator; dots are thousands
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	} else if strings.Count(s, ".") > 1 {
		s = strings.ReplaceAll(s, ".", "")
	} else if dot := strings.Index(s, "."); dot >= 0 && len(s)-dot-1 == 3 {
		// a single dot three digits from the end is a thousands separator
		s = strings.ReplaceAll(s, ".", "")
	}
	return decimal.NewFromString(s)
}

func cellAt(row []string, idx int) string {
	if idx < len(row) {
		return row[idx]
	}
	return ""
}
