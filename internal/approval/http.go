package approval

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/oasisops/oasis/internal/models"
	"github.com/oasisops/oasis/internal/oasiserr"
)

// Handler serves the email decision links. Decisions arrive as plain
// GETs so they work from any mail client:
//
//	GET /approve?finding_id=<id>&action=approve|reject&token=<token>
func (r *Receiver) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			renderPage(w, http.StatusMethodNotAllowed, pageData{
				Title:   "Method not allowed",
				Heading: "Method not allowed",
				Detail:  "Decision links must be opened with a GET request.",
				Color:   "#dc2626",
			})
			return
		}

		q := req.URL.Query()
		findingID := q.Get("finding_id")
		action := q.Get("action")
		token := q.Get("token")
		if findingID == "" || action == "" || token == "" {
			renderPage(w, http.StatusBadRequest, pageData{
				Title:   "Invalid link",
				Heading: "Invalid decision link",
				Detail:  "The link is missing required parameters. Use the buttons from the approval email.",
				Color:   "#dc2626",
			})
			return
		}

		f, err := r.Decide(req.Context(), findingID, action, token)
		switch {
		case err == nil:
			renderDecisionResult(w, f)
		case errors.Is(err, oasiserr.ErrStaleOrInvalidDecision):
			renderPage(w, http.StatusOK, pageData{
				Title:   "No action taken",
				Heading: "No action needed",
				Detail:  "This finding has already been decided or the link is no longer valid.",
				Color:   "#6b7280",
			})
		case oasiserr.ClassOf(err) == oasiserr.ClassValidationFailure:
			renderPage(w, http.StatusBadRequest, pageData{
				Title:   "Invalid request",
				Heading: "Invalid request",
				Detail:  err.Error(),
				Color:   "#dc2626",
			})
		default:
			log.Error().Err(err).Str("finding_id", findingID).Msg("Decision handling failed")
			renderPage(w, http.StatusInternalServerError, pageData{
				Title:   "Error",
				Heading: "Something went wrong",
				Detail:  "The decision could not be recorded. Please retry the link shortly.",
				Color:   "#dc2626",
			})
		}
	})
}

func renderDecisionResult(w http.ResponseWriter, f *models.Finding) {
	if f.Status == models.StatusApproved {
		renderPage(w, http.StatusOK, pageData{
			Title:   "Approved",
			Heading: "Remediation approved",
			Detail:  fmt.Sprintf("Finding %s approved. The proposed actions are being executed and a resolution report will follow.", f.ID),
			Color:   "#16a34a",
		})
		return
	}
	renderPage(w, http.StatusOK, pageData{
		Title:   "Rejected",
		Heading: "Remediation rejected",
		Detail:  fmt.Sprintf("Finding %s rejected. No automated actions will run.", f.ID),
		Color:   "#dc2626",
	})
}

type pageData struct {
	Title   string
	Heading string
	Detail  string
	Color   string
}

var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head><title>OASIS - {{.Title}}</title></head>
<body style="margin:0;background:#f3f4f6;font-family:-apple-system,Segoe UI,Helvetica,Arial,sans-serif;">
<div style="max-width:520px;margin:80px auto;background:#ffffff;border-radius:8px;border:1px solid #e5e7eb;padding:32px;text-align:center;">
<h1 style="color:{{.Color}};font-size:22px;margin:0 0 12px;">{{.Heading}}</h1>
<p style="color:#374151;font-size:14px;line-height:1.6;">{{.Detail}}</p>
<p style="color:#9ca3af;font-size:12px;margin-top:24px;">You can close this window.</p>
</div>
</body>
</html>`))

func renderPage(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTmpl.Execute(w, data); err != nil {
		log.Error().Err(err).Msg("Failed to render decision page")
	}
}
