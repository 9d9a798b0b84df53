package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/codops_backend/utils"
)

// Document code prefixes. Codes look like DISP-25082026-003: prefix, the
// operation date as DDMMYYYY, then a per-store-per-day counter.
const (
	CodePrefixDispatch   = "DISP"
	CodePrefixSettlement = "LIQ"
	CodePrefixPayment    = "PAY"
)

// nextDailyCode allocates the next per-store-per-day sequence for T and
// formats the document code. The sequence survives gaps (cancelled documents
// keep their number) and a unique index on the code column backstops races.
func nextDailyCode[T any](ctx context.Context, storeId string, prefix string, dateColumn string, day time.Time) (int64, string, error) {
	seqNo, err := utils.GetDailySequence[T](ctx, storeId, dateColumn, day)
	if err != nil {
		return 0, "", err
	}
	return seqNo, formatDailyCode(prefix, day, seqNo), nil
}

func formatDailyCode(prefix string, day time.Time, seqNo int64) string {
	return fmt.Sprintf("%s-%s-%03d", prefix, day.Format("02012006"), seqNo)
}
