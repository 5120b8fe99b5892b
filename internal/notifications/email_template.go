package notifications

import (
	"html/template"
	"strings"
	"time"

	"github.com/oasisops/oasis/internal/models"
	"github.com/oasisops/oasis/internal/oasiserr"
)

var templateFuncs = template.FuncMap{
	"severityColor": severityColor,
	"formatTime":    formatTime,
	"join":          strings.Join,
}

func severityColor(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "#dc2626"
	case models.SeverityHigh:
		return "#ea580c"
	case models.SeverityMedium:
		return "#d97706"
	default:
		return "#65a30d"
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

const emailShell = `<!DOCTYPE html>
<html>
<body style="margin:0;padding:0;background:#f3f4f6;font-family:-apple-system,Segoe UI,Helvetica,Arial,sans-serif;">
<div style="max-width:640px;margin:24px auto;background:#ffffff;border-radius:8px;overflow:hidden;border:1px solid #e5e7eb;">
<div style="background:{{severityColor .Finding.Severity}};color:#ffffff;padding:16px 24px;">
<h2 style="margin:0;font-size:18px;">{{.Title}}</h2>
<p style="margin:4px 0 0;font-size:13px;opacity:0.9;">Finding {{.Finding.ID}} · severity {{.Finding.Severity}} · {{formatTime .Finding.DetectedAt}}</p>
</div>
<div style="padding:24px;color:#111827;font-size:14px;line-height:1.6;">
{{.Body}}
</div>
<div style="padding:12px 24px;background:#f9fafb;color:#6b7280;font-size:12px;border-top:1px solid #e5e7eb;">
Sent by OASIS incident engine
</div>
</div>
</body>
</html>`

var shellTmpl = template.Must(template.New("shell").Funcs(templateFuncs).Parse(emailShell))

var detectionBody = template.Must(template.New("detection").Funcs(templateFuncs).Parse(`
<p>{{if .Summary}}{{.Summary}}{{else}}Anomalous behavior detected in <strong>{{join .ServiceList ", "}}</strong>.{{end}}</p>
<p><strong>Affected services:</strong> {{join .ServiceList ", "}}</p>
{{if .RiskNotes}}<p><strong>Risk assessment:</strong> {{.RiskNotes}}</p>{{end}}
<p style="color:#6b7280;">Evidence has been recorded. An advisory analysis will follow with proposed actions for review.</p>
`))

var approvalBody = template.Must(template.New("approval").Funcs(templateFuncs).Parse(`
<p>{{.Finding.Summary}}</p>
{{if .Finding.RiskNotes}}<p><strong>Risk assessment:</strong> {{.Finding.RiskNotes}}</p>{{end}}
<p><strong>Proposed actions:</strong></p>
<ol>
{{range .Finding.ProposedActions}}<li><code>{{.Kind}}</code>{{range $k, $v := .Parameters}} <span style="color:#6b7280;">{{$k}}={{$v}}</span>{{end}}</li>
{{end}}</ol>
<p>These actions will only run after explicit approval.</p>
<table cellpadding="0" cellspacing="0" style="margin:16px 0;"><tr>
<td style="padding-right:12px;"><a href="{{.ApproveURL}}" style="display:inline-block;background:#16a34a;color:#ffffff;padding:10px 24px;border-radius:6px;text-decoration:none;font-weight:600;">Approve</a></td>
<td><a href="{{.RejectURL}}" style="display:inline-block;background:#dc2626;color:#ffffff;padding:10px 24px;border-radius:6px;text-decoration:none;font-weight:600;">Reject</a></td>
</tr></table>
<p style="color:#6b7280;font-size:12px;">The links are single use. A decision already recorded for this finding cannot be reversed through them.</p>
`))

var resolutionBody = template.Must(template.New("resolution").Funcs(templateFuncs).Parse(`
<p>{{.Finding.Summary}}</p>
<p><strong>Final status:</strong> {{.Finding.Status}}</p>
{{if .Finding.ExecutionLog}}<p><strong>Execution log:</strong></p>
<table style="width:100%;border-collapse:collapse;font-size:13px;">
<tr style="background:#f9fafb;"><th style="text-align:left;padding:6px;border:1px solid #e5e7eb;">Action</th><th style="text-align:left;padding:6px;border:1px solid #e5e7eb;">Outcome</th><th style="text-align:left;padding:6px;border:1px solid #e5e7eb;">Detail</th></tr>
{{range .Finding.ExecutionLog}}<tr><td style="padding:6px;border:1px solid #e5e7eb;"><code>{{.Action.Kind}}</code></td><td style="padding:6px;border:1px solid #e5e7eb;">{{.Outcome}}</td><td style="padding:6px;border:1px solid #e5e7eb;">{{.Detail}}</td></tr>
{{end}}</table>{{end}}
{{if .Finding.HumanFeedback}}<p><strong>Reviewer note:</strong> {{.Finding.HumanFeedback}}</p>{{end}}
`))

type shellData struct {
	Title   string
	Finding *models.Finding
	Body    template.HTML
}

func renderShell(title string, f *models.Finding, body string) (string, error) {
	var out strings.Builder
	err := shellTmpl.Execute(&out, shellData{Title: title, Finding: f, Body: template.HTML(body)})
	if err != nil {
		return "", oasiserr.Validation("notifications.render", err)
	}
	return out.String(), nil
}

func renderDetection(f *models.Finding) (string, error) {
	var body strings.Builder
	data := struct {
		Summary     string
		RiskNotes   string
		ServiceList []string
	}{f.Summary, f.RiskNotes, f.Services()}
	if err := detectionBody.Execute(&body, data); err != nil {
		return "", oasiserr.Validation("notifications.render", err)
	}
	return renderShell("Incident detected", f, body.String())
}

func renderApproval(f *models.Finding, approveURL, rejectURL string) (string, error) {
	var body strings.Builder
	data := struct {
		Finding    *models.Finding
		ApproveURL string
		RejectURL  string
	}{f, approveURL, rejectURL}
	if err := approvalBody.Execute(&body, data); err != nil {
		return "", oasiserr.Validation("notifications.render", err)
	}
	return renderShell("Approval required", f, body.String())
}

func renderResolution(f *models.Finding) (string, error) {
	var body strings.Builder
	if err := resolutionBody.Execute(&body, struct{ Finding *models.Finding }{f}); err != nil {
		return "", oasiserr.Validation("notifications.render", err)
	}
	title := "Incident mitigated"
	if f.Status == models.StatusFailed {
		title = "Remediation failed"
	}
	return renderShell(title, f, body.String())
}
