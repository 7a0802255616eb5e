package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"salesline/internal/domain"
	"salesline/internal/engine"
)

type dealPath struct {
	ID string `path:"id" doc:"Deal id"`
}

type dealOutput struct {
	Body DealResponse
}

type dealsOutput struct {
	Body []DealResponse
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "health",
		Method:        http.MethodGet,
		Path:          "/health",
		Summary:       "Liveness probe",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body struct {
			Status string `json:"status"`
		}
	}, error) {
		out := &struct {
			Body struct {
				Status string `json:"status"`
			}
		}{}
		out.Body.Status = "ok"
		return out, nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "list-stages",
		Method:        http.MethodGet,
		Path:          "/stages",
		Summary:       "List pipeline stages",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body []domain.Stage
	}, error) {
		stages, err := e.ListStages(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Stage
		}{Body: stages}, nil
	})
}

func registerDeals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "list-deals",
		Method:        http.MethodGet,
		Path:          "/deals",
		Summary:       "List live deals with derived state",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct {
		StageID         string   `query:"stage_id"`
		OwnerID         string   `query:"owner_id"`
		Source          string   `query:"source"`
		Priority        string   `query:"priority"`
		Search          string   `query:"search"`
		Tags            []string `query:"tags"`
		HasAlerts       bool     `query:"has_alerts"`
		FollowUpOverdue bool     `query:"follow_up_overdue"`
		Limit           int      `query:"limit" minimum:"0" maximum:"500"`
	}) (*dealsOutput, error) {
		stageID, err := resolveStage(ctx, e, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		views, err := e.ListDeals(ctx, engine.DealFilter{
			StageID:         stageID,
			OwnerID:         input.OwnerID,
			Source:          input.Source,
			Priority:        input.Priority,
			Search:          input.Search,
			Tags:            input.Tags,
			HasAlerts:       input.HasAlerts,
			FollowUpOverdue: input.FollowUpOverdue,
			Limit:           input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &dealsOutput{Body: dealViewResponses(views)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-deal",
		Method:        http.MethodPost,
		Path:          "/deals",
		Summary:       "Create a deal",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateDealRequest
	}) (*dealOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		body := input.Body
		stageID, err := resolveStage(ctx, e, body.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		view, err := e.CreateDeal(ctx, engine.CreateDealOptions{
			Name:              body.Name,
			Company:           body.Company,
			Phone:             body.Phone,
			PhoneCountryCode:  body.PhoneCountryCode,
			Email:             body.Email,
			StageID:           stageID,
			EstimatedValue:    decimalPtr(body.EstimatedValue),
			Currency:          body.Currency,
			ServiceID:         body.ServiceID,
			Source:            body.Source,
			SourceDetail:      body.SourceDetail,
			OwnerID:           body.OwnerID,
			ExpectedCloseDate: body.ExpectedCloseDate,
			Notes:             body.Notes,
			Probability:       body.Probability,
			Priority:          body.Priority,
			NextFollowUp:      body.NextFollowUp,
			Tags:              body.Tags,
			ActorID:           actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &dealOutput{Body: dealViewResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "get-deal",
		Method:        http.MethodGet,
		Path:          "/deals/{id}",
		Summary:       "Get a deal with its timeline and reminders",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *dealPath) (*dealOutput, error) {
		view, err := e.GetDeal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &dealOutput{Body: dealViewResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "update-deal",
		Method:        http.MethodPatch,
		Path:          "/deals/{id}",
		Summary:       "Update deal fields",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body UpdateDealRequest
	}) (*dealOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		body := input.Body
		view, err := e.UpdateDeal(ctx, engine.UpdateDealOptions{
			ID:                 input.ID,
			ExpectedVersion:    body.ExpectedVersion,
			Name:               body.Name,
			Company:            body.Company,
			Phone:              body.Phone,
			PhoneCountryCode:   body.PhoneCountryCode,
			Email:              body.Email,
			EstimatedValue:     decimalPtr(body.EstimatedValue),
			Currency:           body.Currency,
			ServiceID:          body.ServiceID,
			Source:             body.Source,
			SourceDetail:       body.SourceDetail,
			OwnerID:            body.OwnerID,
			FirstContactAt:     body.FirstContactAt,
			MeetingScheduledAt: body.MeetingScheduledAt,
			ProposalSentAt:     body.ProposalSentAt,
			ExpectedCloseDate:  body.ExpectedCloseDate,
			Notes:              body.Notes,
			Probability:        body.Probability,
			Priority:           body.Priority,
			NextFollowUp:       body.NextFollowUp,
			ClearNextFollowUp:  body.ClearNextFollowUp,
			Tags:               body.Tags,
			ActorID:            actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &dealOutput{Body: dealViewResponse(view)}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "move-deal",
		Method:        http.MethodPost,
		Path:          "/deals/{id}/move",
		Summary:       "Move a deal to another stage",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body MoveDealRequest
	}) (*dealOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stageID, err := resolveStage(ctx, e, input.Body.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.MoveDeal(ctx, input.ID, stageID, input.Body.Notes, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &dealOutput{Body: dealResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "mark-won",
		Method:        http.MethodPost,
		Path:          "/deals/{id}/won",
		Summary:       "Close a deal as won",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body MarkWonRequest
	}) (*dealOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.MarkWon(ctx, input.ID, decimal.NewFromFloat(input.Body.FinalValue), input.Body.Notes, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &dealOutput{Body: dealResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "mark-lost",
		Method:        http.MethodPost,
		Path:          "/deals/{id}/lost",
		Summary:       "Close a deal as lost",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body MarkLostRequest
	}) (*dealOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := domain.LostReason(strings.TrimSpace(input.Body.Reason))
		d, err := e.MarkLost(ctx, input.ID, reason, input.Body.Notes, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &dealOutput{Body: dealResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reopen-deal",
		Method:        http.MethodPost,
		Path:          "/deals/{id}/reopen",
		Summary:       "Reopen a closed deal",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ReopenDealRequest
	}) (*dealOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stageID, err := resolveStage(ctx, e, input.Body.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.ReopenDeal(ctx, input.ID, stageID, input.Body.Notes, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &dealOutput{Body: dealResponse(d)}, nil
	})
}

func registerTrash(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "delete-deal",
		Method:        http.MethodDelete,
		Path:          "/deals/{id}",
		Summary:       "Move a deal to the trash",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *dealPath) (*dealOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.SoftDelete(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &dealOutput{Body: dealResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "restore-deal",
		Method:        http.MethodPost,
		Path:          "/deals/{id}/restore",
		Summary:       "Restore a deal from the trash",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *dealPath) (*dealOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Restore(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &dealOutput{Body: dealResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "list-trash",
		Method:        http.MethodGet,
		Path:          "/trash",
		Summary:       "List trashed deals, most recently deleted first",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct{}) (*dealsOutput, error) {
		deals, err := e.ListTrash(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &dealsOutput{Body: dealResponses(deals)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "purge-deal",
		Method:        http.MethodDelete,
		Path:          "/trash/{id}",
		Summary:       "Permanently delete a trashed deal",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *dealPath) (*struct{}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Purge(ctx, input.ID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "empty-trash",
		Method:        http.MethodDelete,
		Path:          "/trash",
		Summary:       "Permanently delete every trashed deal",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body domain.TrashResult
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.EmptyTrash(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TrashResult
		}{Body: res}, nil
	})
}

func registerPublicLeads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "capture-lead",
		Method:        http.MethodPost,
		Path:          "/public/leads",
		Summary:       "Capture a lead from an external web form",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body PublicLeadRequest
	}) (*struct {
		Body PublicLeadResponse
	}, error) {
		b := input.Body
		view, err := e.CapturePublicLead(ctx, engine.PublicLead{
			FirstName:    b.FirstName,
			LastName:     b.LastName,
			Email:        b.Email,
			Phone:        b.Phone,
			Company:      b.Company,
			Message:      b.Message,
			Source:       b.Source,
			SourceDetail: b.SourceDetail,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PublicLeadResponse
		}{Body: PublicLeadResponse{ID: view.ID, Message: "lead received"}}, nil
	})
}

// resolveStage accepts a stage id or slug. Empty stays empty so the engine
// applies its default; unknown refs pass through so the engine rejects them
// as an invalid transition.
func resolveStage(ctx context.Context, e engine.Engine, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	st, err := e.StageBySlug(ctx, ref)
	if errors.Is(err, engine.ErrNotFound) {
		return ref, nil
	}
	if err != nil {
		return "", err
	}
	return st.ID, nil
}
