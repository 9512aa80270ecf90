package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/zgpcy/llm-cost-exporter/internal/provider"
)

// Cost columns in order of preference; CostUSD is present on billing accounts that
// are not invoiced in USD
var azureCostColumns = []string{"CostUSD", "Cost", "PreTaxCost"}

// meterDirectionMarkers end the model part of an Azure OpenAI meter name
var meterDirectionMarkers = []string{
	" input", " output", " inp ", " outp ", " cached", " prompt", " completion", " tokens",
	"-input", "-output", "-prompt", "-completion", "-tokens",
}

type azureQueryResult struct {
	Properties *struct {
		Columns []struct {
			Name *string `json:"name"`
		} `json:"columns"`
		Rows []json.RawMessage `json:"rows"`
	} `json:"properties"`
}

func decodeAzure(a *aggregate, raw *provider.RawResponse) error {
	if len(raw.Cost) == 0 {
		return errors.New("missing cost document")
	}

	var result azureQueryResult
	if err := json.Unmarshal(raw.Cost, &result); err != nil {
		return fmt.Errorf("decode query result: %w", err)
	}
	if result.Properties == nil || len(result.Properties.Rows) == 0 {
		return nil
	}

	names := make([]*string, 0, len(result.Properties.Columns))
	for _, col := range result.Properties.Columns {
		names = append(names, col.Name)
	}
	columnMap := buildColumnMap(names)

	costColumn := ""
	for _, name := range azureCostColumns {
		if _, ok := columnMap[name]; ok {
			costColumn = name
			break
		}
	}
	if costColumn == "" {
		return errors.New("query result has no cost column")
	}
	if _, ok := columnMap["Meter"]; !ok {
		return errors.New("query result has no Meter column")
	}

	decodeItems(a, result.Properties.Rows, func(row []interface{}) error {
		cost, ok := parseCost(cell(row, columnMap, costColumn))
		if !ok {
			return fmt.Errorf("%w: cost %v", errMalformed, cell(row, columnMap, costColumn))
		}
		if costColumn != "CostUSD" {
			if currency := getStringFromRow(row, columnMap, "Currency"); currency != "" && !strings.EqualFold(currency, "usd") {
				return fmt.Errorf("%w: currency %s", errMalformed, currency)
			}
		}
		a.addCost(azureMeterModel(getStringFromRow(row, columnMap, "Meter")), cost)
		return nil
	})
	return nil
}

// buildColumnMap creates a map of column names to their indices
func buildColumnMap(columns []*string) map[string]int {
	columnMap := make(map[string]int)
	for i, name := range columns {
		if name != nil {
			columnMap[*name] = i
		}
	}
	return columnMap
}

func cell(row []interface{}, columnMap map[string]int, columnName string) interface{} {
	if idx, ok := columnMap[columnName]; ok && len(row) > idx {
		return row[idx]
	}
	return nil
}

// getStringFromRow extracts a string value from a row by column name
func getStringFromRow(row []interface{}, columnMap map[string]int, columnName string) string {
	if v := cell(row, columnMap, columnName); v != nil {
		value := fmt.Sprintf("%v", v)
		if value != "" && value != "<nil>" {
			return value
		}
	}
	return ""
}

// parseCost extracts a finite cost; JSON numbers decode as float64
func parseCost(value interface{}) (float64, bool) {
	v, ok := value.(float64)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// azureMeterModel derives a model name from a meter such as "gpt-4o-0513 Input global Tokens"
func azureMeterModel(meter string) string {
	model := strings.ToLower(strings.TrimSpace(meter))
	cut := len(model)
	for _, marker := range meterDirectionMarkers {
		if i := strings.Index(model+" ", marker); i > 0 && i < cut {
			cut = i
		}
	}
	model = strings.TrimSpace(model[:cut])
	return strings.Join(strings.Fields(model), "-")
}
