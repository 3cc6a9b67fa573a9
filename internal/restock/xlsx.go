package restock

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"depot-backend/internal/models"
	"depot-backend/internal/workflow"

	"github.com/xuri/excelize/v2"
)

// SheetLine is one parsed spreadsheet row: item name | size | quantity.
type SheetLine struct {
	Row      int
	ItemName string
	Size     string
	Quantity int
}

var headerWords = []string{"item", "product", "name"}

// ParseLinesXLSX reads order lines from the first sheet. A header row is
// skipped when its first cell names the item column. Blank rows are ignored;
// malformed rows are reported together as a *workflow.ValidationError.
func ParseLinesXLSX(r io.Reader) ([]SheetLine, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, workflow.NewValidationError("spreadsheet could not be read: " + err.Error())
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, workflow.NewValidationError("spreadsheet has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, workflow.NewValidationError("sheet could not be read: " + err.Error())
	}

	start := 0
	if len(rows) > 0 && len(rows[0]) > 0 && isHeader(rows[0][0]) {
		start = 1
	}

	var lines []SheetLine
	var problems []string
	for i := start; i < len(rows); i++ {
		row := rows[i]
		rowNo := i + 1
		if blank(row) {
			continue
		}
		if len(row) < 3 {
			problems = append(problems, fmt.Sprintf("row %d: expected item, size and quantity", rowNo))
			continue
		}
		name := strings.TrimSpace(row[0])
		size := strings.TrimSpace(row[1])
		qty, err := strconv.Atoi(strings.TrimSpace(row[2]))
		switch {
		case name == "":
			problems = append(problems, fmt.Sprintf("row %d: item name is empty", rowNo))
		case size == "":
			problems = append(problems, fmt.Sprintf("row %d: size is empty", rowNo))
		case err != nil || qty <= 0:
			problems = append(problems, fmt.Sprintf("row %d: quantity %q is not a positive whole number", rowNo, row[2]))
		default:
			lines = append(lines, SheetLine{Row: rowNo, ItemName: name, Size: size, Quantity: qty})
		}
	}
	if len(problems) > 0 {
		return nil, workflow.NewValidationError(problems...)
	}
	if len(lines) == 0 {
		return nil, workflow.NewValidationError("spreadsheet has no order lines")
	}
	return lines, nil
}

type ImportInput struct {
	SupplierName string `validate:"required,max=150"`
	OrderedBy    string `validate:"required,max=150"`
	Note         string
}

// ImportXLSX creates a pending restock from a spreadsheet. Item names are
// matched ignoring case, accents and repeated spaces.
func (s *Service) ImportXLSX(ctx context.Context, r io.Reader, in ImportInput, actor string) (*models.Restock, error) {
	if err := workflow.Validate(in); err != nil {
		return nil, err
	}
	sheet, err := ParseLinesXLSX(r)
	if err != nil {
		return nil, err
	}

	var items []models.Item
	if err := s.db.WithContext(ctx).Select("id", "name").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	byName := make(map[string]uint, len(items))
	for _, it := range items {
		byName[normalizeName(it.Name)] = it.ID
	}

	lines := make([]LineInput, 0, len(sheet))
	var problems []string
	for _, sl := range sheet {
		id, ok := byName[normalizeName(sl.ItemName)]
		if !ok {
			problems = append(problems, fmt.Sprintf("row %d: item %q not found", sl.Row, sl.ItemName))
			continue
		}
		lines = append(lines, LineInput{ItemID: id, Size: sl.Size, Quantity: sl.Quantity})
	}
	if len(problems) > 0 {
		return nil, workflow.NewValidationError(problems...)
	}

	return s.Create(ctx, CreateInput{
		SupplierName: in.SupplierName,
		OrderedBy:    in.OrderedBy,
		Note:         in.Note,
		Lines:        lines,
	}, actor)
}

var foldRunes = map[rune]string{
	'ç': "c", 'Ç': "c", 'ğ': "g", 'Ğ': "g", 'ı': "i", 'İ': "i",
	'ö': "o", 'Ö': "o", 'ş': "s", 'Ş': "s", 'ü': "u", 'Ü': "u",
	'á': "a", 'à': "a", 'â': "a", 'ä': "a", 'é': "e", 'è': "e", 'ê': "e", 'ë': "e",
	'í': "i", 'î': "i", 'ó': "o", 'ô': "o", 'ú': "u", 'û': "u", 'ñ': "n",
}

var spaces = regexp.MustCompile(`\s+`)

// normalizeName folds accents and case and collapses whitespace.
// "  Safety  Bóots " -> "safety boots"
func normalizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if rep, ok := foldRunes[r]; ok {
			b.WriteString(rep)
		} else {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(spaces.ReplaceAllString(strings.ToLower(b.String()), " "))
}

func isHeader(cell string) bool {
	c := strings.ToLower(strings.TrimSpace(cell))
	for _, w := range headerWords {
		if strings.Contains(c, w) {
			return true
		}
	}
	return false
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
