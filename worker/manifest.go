package worker

import (
	"archive/zip"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"storystudio/domain"
)

const manifestName = "清单.xlsx"

var manifestHeaders = []interface{}{"文件", "对象", "版本", "来源", "链接", "创建时间"}

// manifestRow describes one file written into the export archive.
type manifestRow struct {
	folder    string
	file      string
	target    string
	versionNo int
	source    domain.VersionSource
	url       string
	createdAt time.Time
}

// writeManifest adds 清单.xlsx to the archive, one sheet per export folder in
// the order folders first appear.
func writeManifest(zw *zip.Writer, rows []manifestRow) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	used := make(map[string]struct{})
	sheets := make(map[string]string)
	next := make(map[string]int)
	for _, r := range rows {
		sheet, ok := sheets[r.folder]
		if !ok {
			sheet = uniqueSheetName(r.folder, used)
			if len(sheets) == 0 {
				if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
					return err
				}
			} else if _, err := f.NewSheet(sheet); err != nil {
				return err
			}
			if err := f.SetSheetRow(sheet, "A1", &manifestHeaders); err != nil {
				return err
			}
			sheets[r.folder] = sheet
			next[sheet] = 2
		}
		row := []interface{}{
			r.file,
			r.target,
			r.versionNo,
			string(r.source),
			r.url,
			r.createdAt.Format("2006-01-02 15:04:05"),
		}
		axis, _ := excelize.CoordinatesToCellName(1, next[sheet])
		if err := f.SetSheetRow(sheet, axis, &row); err != nil {
			return err
		}
		next[sheet]++
	}
	f.SetActiveSheet(0)

	entry, err := zw.Create(manifestName)
	if err != nil {
		return err
	}
	return f.Write(entry)
}

// Excel forbids : \ / ? * [ ] and caps names at 31 runes.
func safeSheetName(name string) string {
	s := strings.TrimSpace(name)
	if s == "" {
		s = "Sheet"
	}
	for _, ch := range []string{":", "\\", "/", "?", "*", "[", "]"} {
		s = strings.ReplaceAll(s, ch, "_")
	}
	return trimRunes(s, 31)
}

func uniqueSheetName(name string, used map[string]struct{}) string {
	base := safeSheetName(name)
	cand := base
	for i := 2; ; i++ {
		if _, ok := used[cand]; !ok {
			used[cand] = struct{}{}
			return cand
		}
		suffix := "_" + strconv.Itoa(i)
		cand = trimRunes(base, max(1, 31-utf8.RuneCountInString(suffix))) + suffix
	}
}

func trimRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
