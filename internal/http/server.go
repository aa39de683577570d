package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/stojanov/flowline/internal/log"
	"github.com/stojanov/flowline/pkg/models"
	"github.com/stojanov/flowline/pkg/service"
	"github.com/stojanov/flowline/pkg/storage"
)

// Services bundles what the admin API needs.
type Services struct {
	Tasks    *service.TaskService
	Notifier *service.HTTPNotifier
}

// NewRouter builds the admin/ops API.
func NewRouter(svcs Services) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", getTaskHandler(svcs)).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/advance", advanceTaskHandler(svcs)).Methods(http.MethodPost)
	r.HandleFunc("/items/{id}/start", startItemHandler(svcs)).Methods(http.MethodPost)
	r.HandleFunc("/tickets/{ticket}/assign", manualAssignHandler(svcs)).Methods(http.MethodPost)
	r.HandleFunc("/notifications/retry", retryHandler(svcs)).Methods(http.MethodPost)
	return r
}

// StartServer runs the admin API on the given port.
func StartServer(port string, svcs Services) error {
	log.GetLogger().Infof("Starting flowline server on :%s", port)
	return http.ListenAndServe(":"+port, NewRouter(svcs))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "flowline server is running")
}

// taskView is the task plus the derived SLA classification per item.
type taskView struct {
	models.Task
	ItemSLA map[string]service.SLAStatus `json:"item_sla"`
}

func getTaskHandler(svcs Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			http.Error(w, "Invalid task id", http.StatusBadRequest)
			return
		}
		task, err := svcs.Tasks.GetTask(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "Task not found", http.StatusNotFound)
				return
			}
			log.GetLogger().Errorf("Failed to get task %d: %v", id, err)
			http.Error(w, fmt.Sprintf("Failed to get task: %v", err), http.StatusInternalServerError)
			return
		}
		view := taskView{Task: task, ItemSLA: make(map[string]service.SLAStatus, len(task.Items))}
		now := time.Now()
		for _, item := range task.Items {
			view.ItemSLA[item.ID] = service.ClassifySLA(item.AssignedOn, item.TargetResolution, item.ActedOn, now)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(view); err != nil {
			log.GetLogger().Errorf("Failed to encode task %d: %v", id, err)
		}
	}
}

func advanceTaskHandler(svcs Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			http.Error(w, "Invalid task id", http.StatusBadRequest)
			return
		}
		actor, _ := strconv.ParseInt(r.FormValue("actor"), 10, 64)
		if err := svcs.Tasks.Advance(id, actor); err != nil {
			var noTransition *service.NoTransitionError
			if errors.As(err, &noTransition) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			log.GetLogger().Errorf("Failed to advance task %d: %v", id, err)
			http.Error(w, fmt.Sprintf("Failed to advance task: %v", err), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Advanced task %d\n", id)
	}
}

func startItemHandler(svcs Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		itemID := mux.Vars(r)["id"]
		actor, err := strconv.ParseInt(r.FormValue("actor"), 10, 64)
		if err != nil {
			http.Error(w, "Missing or invalid 'actor' parameter", http.StatusBadRequest)
			return
		}
		if err := svcs.Tasks.StartWork(itemID, actor); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "Work item not found", http.StatusNotFound)
				return
			}
			log.GetLogger().Errorf("Failed to start item %s: %v", itemID, err)
			http.Error(w, fmt.Sprintf("Failed to start item: %v", err), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Started work on item %s\n", itemID)
	}
}

func manualAssignHandler(svcs Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ticket := mux.Vars(r)["ticket"]
		workflowID, err := strconv.ParseInt(r.FormValue("workflow"), 10, 64)
		if err != nil {
			http.Error(w, "Missing or invalid 'workflow' parameter", http.StatusBadRequest)
			return
		}
		actor, _ := strconv.ParseInt(r.FormValue("actor"), 10, 64)
		assigned, err := svcs.Tasks.ManuallyAssign(ticket, workflowID, actor)
		if err != nil {
			log.GetLogger().Errorf("Failed to assign ticket %s: %v", ticket, err)
			http.Error(w, fmt.Sprintf("Failed to assign ticket: %v", err), http.StatusInternalServerError)
			return
		}
		if !assigned {
			fmt.Fprintf(w, "Ticket %s not assigned (already allocated or workflow not initialized)\n", ticket)
			return
		}
		fmt.Fprintf(w, "Assigned ticket %s to workflow %d\n", ticket, workflowID)
	}
}

func retryHandler(svcs Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var maxAge time.Duration
		if hours := r.FormValue("max_age_hours"); hours != "" {
			h, err := strconv.Atoi(hours)
			if err != nil {
				http.Error(w, "Invalid 'max_age_hours' parameter", http.StatusBadRequest)
				return
			}
			maxAge = time.Duration(h) * time.Hour
		}
		limit, _ := strconv.Atoi(r.FormValue("limit"))
		force := r.FormValue("force") == "true"
		report, err := svcs.Notifier.RetryPending(maxAge, limit, force)
		if err != nil {
			log.GetLogger().Errorf("Retry sweep failed: %v", err)
			http.Error(w, fmt.Sprintf("Retry sweep failed: %v", err), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Retried %d notifications: %d succeeded, %d failed (%d exhausted)\n",
			report.Attempted, report.Succeeded, report.Failed, report.Exhausted)
	}
}
