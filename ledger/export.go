package ledger

import (
	"context"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"
)

var exportHeaders = []interface{}{"流水号", "类型", "积分变动", "变动后余额", "业务类型", "业务ID", "备注", "时间"}

// ExportXLSX writes every transaction of the user, oldest first, to one sheet.
func (l *Ledger) ExportXLSX(ctx context.Context, userID int64, out io.Writer) error {
	txs, err := l.wallets.AllTransactions(ctx, userID)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := "积分流水"
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return err
	}
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}
	if err := sw.SetRow("A1", exportHeaders); err != nil {
		return err
	}
	for i, tx := range txs {
		row := []interface{}{
			strconv.FormatInt(tx.ID, 10),
			describeTx(tx.Type),
			tx.Amount,
			tx.BalanceAfter,
			tx.BizType,
			tx.BizID,
			tx.Remark,
			tx.CreatedAt.Format("2006-01-02 15:04:05"),
		}
		axis, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := sw.SetRow(axis, row); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	_, err = f.WriteTo(out)
	return err
}
