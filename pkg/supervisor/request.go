package supervisor

import (
	"fmt"
	"time"

	"github.com/dd0wney/cluso-waterplan/pkg/cost"
	"github.com/dd0wney/cluso-waterplan/pkg/series"
	"github.com/dd0wney/cluso-waterplan/pkg/validation"
)

// ParseRunRequest validates a submission body and converts it. Weights are
// only kept in Optimization mode; any weight left out defaults to 1.
func ParseRunRequest(body *validation.RunRequest) (RunRequest, error) {
	if err := validation.ValidateRunRequest(body); err != nil {
		return RunRequest{}, err
	}

	mode, err := cost.ParseMode(body.Mode)
	if err != nil {
		return RunRequest{}, err
	}
	g, err := series.ParseGranularity(body.Granularity)
	if err != nil {
		return RunRequest{}, err
	}
	start, err := time.Parse(time.DateOnly, body.Start)
	if err != nil {
		return RunRequest{}, fmt.Errorf("Start: %w", err)
	}
	horizon, err := series.NewHorizon(start, body.Steps, g)
	if err != nil {
		return RunRequest{}, err
	}

	req := RunRequest{Mode: mode, Horizon: horizon}
	if mode != cost.Optimization {
		return req, nil
	}

	weights := cost.DefaultWeights()
	if wr := body.Weights; wr != nil {
		if wr.Deficit != nil {
			weights.Deficit = *wr.Deficit
		}
		if wr.CO2 != nil {
			weights.CO2 = *wr.CO2
		}
		if wr.Economic != nil {
			weights.Economic = *wr.Economic
		}
	}
	if err := weights.Validate(); err != nil {
		return RunRequest{}, err
	}
	req.Weights = &weights
	return req, nil
}
