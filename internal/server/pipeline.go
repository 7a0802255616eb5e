package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"salesline/internal/domain"
	"salesline/internal/engine"
)

func registerActivities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "list-activities",
		Method:        http.MethodGet,
		Path:          "/deals/{id}/activities",
		Summary:       "List a deal's timeline",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *dealPath) (*struct {
		Body []domain.Activity
	}, error) {
		list, err := e.ListActivities(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Activity
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "log-activity",
		Method:        http.MethodPost,
		Path:          "/deals/{id}/activities",
		Summary:       "Record an interaction on a deal",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body LogActivityRequest
	}) (*struct {
		Body domain.Activity
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.LogActivity(ctx, input.ID, domain.ActivityType(input.Body.Type), input.Body.Title, input.Body.Description, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Activity
		}{Body: a}, nil
	})
}

type reminderOutput struct {
	Body domain.Reminder
}

func registerReminders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-reminder",
		Method:        http.MethodPost,
		Path:          "/deals/{id}/reminders",
		Summary:       "Schedule a reminder on a deal",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CreateReminderRequest
	}) (*reminderOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rm, err := e.CreateReminder(ctx, engine.ReminderOptions{
			DealID:     input.ID,
			Title:      input.Body.Title,
			RemindAt:   input.Body.RemindAt,
			AssignedTo: input.Body.AssignedTo,
			ActorID:    actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &reminderOutput{Body: rm}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "list-pending-reminders",
		Method:        http.MethodGet,
		Path:          "/reminders/pending",
		Summary:       "List pending reminders, earliest first",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id" doc:"Keep reminders assigned to or created by this user"`
	}) (*struct {
		Body []domain.Reminder
	}, error) {
		list, err := e.ListPendingReminders(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Reminder
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "complete-reminder",
		Method:        http.MethodPost,
		Path:          "/reminders/{id}/complete",
		Summary:       "Mark a reminder completed",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*reminderOutput, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		rm, err := e.CompleteReminder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &reminderOutput{Body: rm}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-reminder",
		Method:        http.MethodDelete,
		Path:          "/reminders/{id}",
		Summary:       "Delete a reminder",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteReminder(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerCollaborators(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-follow-up-task",
		Method:        http.MethodPost,
		Path:          "/deals/{id}/follow-up-task",
		Summary:       "Set the next follow-up and file a task for it",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body FollowUpTaskRequest
	}) (*struct {
		Body FollowUpTaskResponse
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CreateFollowUpTask(ctx, engine.FollowUpOptions{
			DealID:      input.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			DueDate:     input.Body.DueDate,
			Priority:    domain.Priority(input.Body.Priority),
			ActorID:     actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FollowUpTaskResponse
		}{Body: FollowUpTaskResponse{
			Deal:     dealResponse(res.Deal),
			Task:     res.Task,
			Warnings: res.Warnings,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "schedule-meeting",
		Method:        http.MethodPost,
		Path:          "/deals/{id}/meetings",
		Summary:       "Schedule a meeting with the deal's contact",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body MeetingRequest
	}) (*struct {
		Body MeetingResponse
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ScheduleMeeting(ctx, engine.MeetingOptions{
			DealID:          input.ID,
			Title:           input.Body.Title,
			Description:     input.Body.Description,
			StartsAt:        input.Body.StartsAt,
			DurationMinutes: input.Body.DurationMinutes,
			Attendees:       input.Body.Attendees,
			ActorID:         actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeetingResponse
		}{Body: MeetingResponse{
			Activity: res.Activity,
			Reminder: res.Reminder,
			Event:    res.Event,
			Warnings: res.Warnings,
		}}, nil
	})
}

func registerMetrics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "pipeline-metrics",
		Method:        http.MethodGet,
		Path:          "/metrics/pipeline",
		Summary:       "Open pipeline value and per-stage breakdown",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body PipelineMetricsResponse
	}, error) {
		m, err := e.ComputeMetrics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PipelineMetricsResponse
		}{Body: pipelineResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "performance-metrics",
		Method:        http.MethodGet,
		Path:          "/metrics/performance",
		Summary:       "Win rate and sales cycle over a trailing window",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct {
		Days int `query:"days" minimum:"0" maximum:"3650" doc:"Trailing window in days; 0 uses the default"`
	}) (*struct {
		Body PerformanceMetricsResponse
	}, error) {
		p, err := e.ComputePerformance(ctx, input.Days)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PerformanceMetricsResponse
		}{Body: performanceResponse(p)}, nil
	})
}
