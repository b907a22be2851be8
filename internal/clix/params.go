package clix

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"drospect/internal/models"
)

type PaginationParams struct {
	Limit  int
	Offset int
}

func ParsePagination(flags *pflag.FlagSet) (PaginationParams, error) {
	limit, _ := flags.GetInt("limit")
	offset, _ := flags.GetInt("offset")
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return PaginationParams{Limit: limit, Offset: offset}, nil
}

// ParseStatuses reads the comma separated --status flag. Unknown names are an error.
func ParseStatuses(flags *pflag.FlagSet) ([]models.TaskStatus, error) {
	raw, _ := flags.GetString("status")
	var statuses []models.TaskStatus
	for _, s := range strings.Split(raw, ",") {
		trimmed := strings.ToLower(strings.TrimSpace(s))
		if trimmed == "" {
			continue
		}
		status := models.TaskStatus(trimmed)
		if !status.Valid() {
			return nil, fmt.Errorf("unknown task status %q", trimmed)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// ParseOutput reads --output, which is table or yaml.
func ParseOutput(flags *pflag.FlagSet) (string, error) {
	out, _ := flags.GetString("output")
	switch out {
	case "", "table":
		return "table", nil
	case "yaml":
		return "yaml", nil
	}
	return "", fmt.Errorf("unknown output format %q (want table or yaml)", out)
}
