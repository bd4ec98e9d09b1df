package api

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/budgetdash/cpflow/internal/prevision"
	"github.com/valyala/fasthttp"
)

// parseFilter reads list filters from the query string. statut may repeat
// or hold a comma-separated list.
func parseFilter(args *fasthttp.Args) (prevision.Filter, error) {
	filter := prevision.Filter{
		Periode:      strings.TrimSpace(string(args.Peek("periode"))),
		OperationID:  strings.TrimSpace(string(args.Peek("operation_id"))),
		EngagementID: strings.TrimSpace(string(args.Peek("engagement_id"))),
		Search:       strings.TrimSpace(string(args.Peek("q"))),
	}

	if raw := strings.TrimSpace(string(args.Peek("exercice"))); raw != "" {
		exercice, err := strconv.Atoi(raw)
		if err != nil || exercice <= 0 {
			return prevision.Filter{}, fmt.Errorf("invalid exercice %q", raw)
		}
		filter.Exercice = exercice
	}
	if filter.Periode != "" {
		if err := prevision.ValidatePeriode(filter.Periode); err != nil {
			return prevision.Filter{}, err
		}
	}

	for _, value := range args.PeekMulti("statut") {
		for _, part := range strings.Split(string(value), ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := prevision.ParseStatus(part)
			if !ok {
				return prevision.Filter{}, fmt.Errorf("unknown statut %q", strings.TrimSpace(part))
			}
			filter.Statuts = append(filter.Statuts, status)
		}
	}
	return filter, nil
}
