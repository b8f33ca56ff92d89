package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"xroad-gateway/internal/config"
)

// Route path prefixes of the two upstream surfaces.
const (
	CentralPrefix  = "/xroad-cs"
	SecurityPrefix = "/xroad-ss"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, gw *GatewayHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)

	registerCentral(surfaceRoutes{g: e.Group(CentralPrefix), h: gw, surface: config.Central})
	registerSecurity(surfaceRoutes{g: e.Group(SecurityPrefix), h: gw, surface: config.Security})
}

// surfaceRoutes binds inbound paths to upstream calls on one surface.
// Inbound paths use echo's :name parameters; upstream endpoints use {name}.
type surfaceRoutes struct {
	g       *echo.Group
	h       *GatewayHandler
	surface config.Surface
}

func (r surfaceRoutes) call(method, endpoint string) Call {
	return Call{Surface: r.surface, Method: method, Endpoint: endpoint}
}

func (r surfaceRoutes) json(method, path, endpoint string) {
	r.g.Add(method, path, r.h.JSON(r.call(method, endpoint)))
}

func (r surfaceRoutes) upload(method, path, endpoint string, up Upload) {
	r.g.Add(method, path, r.h.Upload(r.call(method, endpoint), up))
}

func (r surfaceRoutes) download(path, endpoint string, dl Download) {
	r.g.GET(path, r.h.Download(r.call(http.MethodGet, endpoint), dl))
}

func (r surfaceRoutes) message(method, path, endpoint, message string) {
	r.g.Add(method, path, r.h.Message(r.call(method, endpoint), message))
}

func (r surfaceRoutes) probe(path, endpoint string) {
	r.g.GET(path, r.h.Probe(r.surface, endpoint))
}

var ignoreWarnings = map[string]string{"ignore_warnings": "false"}

func registerCentral(r surfaceRoutes) {
	const (
		get   = http.MethodGet
		post  = http.MethodPost
		put   = http.MethodPut
		patch = http.MethodPatch
		del   = http.MethodDelete
	)

	// Backups
	r.json(get, "/backups", "/backups")
	r.json(post, "/backups", "/backups")
	r.upload(post, "/backups/upload", "/backups/upload",
		Upload{Field: "file", ContentType: MIMEBinary, Query: ignoreWarnings})
	r.message(del, "/backups/:filename", "/backups/{filename}", "Backup file '{filename}' deleted successfully")
	r.download("/backups/:filename/download", "/backups/{filename}/download",
		Download{Filename: "{filename}", ContentType: MIMEBinary})
	r.json(put, "/backups/:filename/restore", "/backups/{filename}/restore")
	r.probe("/backups/health", "/backups")

	// Certification services
	r.json(get, "/certification-services", "/certification-services")
	r.upload(post, "/certification-services", "/certification-services",
		Upload{Field: "certificate", ContentType: MIMECertificate})
	r.probe("/certification-services/health", "/certification-services")
	r.json(get, "/certification-services/:id", "/certification-services/{id}")
	r.message(del, "/certification-services/:id", "/certification-services/{id}", "Certification service {id} deleted successfully")
	r.json(patch, "/certification-services/:id", "/certification-services/{id}")
	r.json(get, "/certification-services/:id/certificate", "/certification-services/{id}/certificate")
	r.json(get, "/certification-services/:id/intermediate-cas", "/certification-services/{id}/intermediate-cas")
	r.upload(post, "/certification-services/:id/intermediate-cas", "/certification-services/{id}/intermediate-cas",
		Upload{Field: "certificate", ContentType: MIMECertificate})
	r.json(get, "/certification-services/:id/ocsp-responders", "/certification-services/{id}/ocsp-responders")
	r.upload(post, "/certification-services/:id/ocsp-responders", "/certification-services/{id}/ocsp-responders",
		Upload{Field: "certificate", ContentType: MIMECertificate, Optional: true})

	// Intermediate CAs
	r.json(get, "/intermediate-cas/:id", "/intermediate-cas/{id}")
	r.message(del, "/intermediate-cas/:id", "/intermediate-cas/{id}", "Intermediate CA {id} deleted successfully")
	r.json(get, "/intermediate-cas/:id/ocsp-responders", "/intermediate-cas/{id}/ocsp-responders")
	r.upload(post, "/intermediate-cas/:id/ocsp-responders", "/intermediate-cas/{id}/ocsp-responders",
		Upload{Field: "certificate", ContentType: MIMECertificate, Optional: true})
	r.message(del, "/intermediate-cas/:id/ocsp-responders/:responder", "/intermediate-cas/{id}/ocsp-responders/{responder}",
		"OCSP responder {responder} deleted from intermediate CA {id} successfully")

	// OCSP responders
	r.probe("/ocsp-responders/health", "/certification-services")
	r.json(get, "/ocsp-responders/:id", "/ocsp-responders/{id}")
	r.message(del, "/ocsp-responders/:id", "/ocsp-responders/{id}", "OCSP Responder {id} deleted successfully")
	r.upload(patch, "/ocsp-responders/:id", "/ocsp-responders/{id}",
		Upload{Field: "certificate", ContentType: MIMECertificate, Optional: true})
	r.json(get, "/ocsp-responders/:id/certificate", "/ocsp-responders/{id}/certificate")

	// Global groups
	r.json(get, "/global-groups", "/global-groups")
	r.json(post, "/global-groups", "/global-groups")
	r.probe("/global-groups/health", "/global-groups")
	r.json(get, "/global-groups/:code", "/global-groups/{code}")
	r.message(del, "/global-groups/:code", "/global-groups/{code}", "Global group {code} deleted successfully")
	r.json(patch, "/global-groups/:code", "/global-groups/{code}")
	r.json(get, "/global-groups/:code/members/filter-model", "/global-groups/{code}/members/filter-model")
	r.json(post, "/global-groups/:code/members/add", "/global-groups/{code}/members/add")
	r.json(post, "/global-groups/:code/members", "/global-groups/{code}/members")
	r.message(del, "/global-groups/:code/members/:client", "/global-groups/{code}/members/{client}",
		"Member {client} removed from global group {code} successfully")
	r.json(get, "/members/:id/global-groups", "/members/{id}/global-groups")

	// Member classes
	r.json(get, "/member-classes", "/member-classes")
	r.json(post, "/member-classes", "/member-classes")
	r.probe("/member-classes/health", "/member-classes")
	r.message(del, "/member-classes/:code", "/member-classes/{code}", "Member class {code} deleted successfully")
	r.json(patch, "/member-classes/:code", "/member-classes/{code}")

	// Trusted anchors
	r.json(get, "/trusted-anchors", "/trusted-anchors")
	r.upload(post, "/trusted-anchors", "/trusted-anchors", Upload{Field: "anchor", ContentType: MIMEXML})
	r.upload(post, "/trusted-anchors/preview", "/trusted-anchors/preview", Upload{Field: "anchor", ContentType: MIMEXML})
	r.probe("/trusted-anchors/health", "/trusted-anchors")
	r.message(del, "/trusted-anchors/:hash", "/trusted-anchors/{hash}", "Trusted anchor {hash} deleted successfully")
	r.download("/trusted-anchors/:hash/download", "/trusted-anchors/{hash}/download",
		Download{Filename: "trusted_anchor_{hash}.xml", ContentType: MIMEXML})

	// Configuration sources and signing keys
	r.json(get, "/configuration-sources/:type/anchor", "/configuration-sources/{type}/anchor")
	r.download("/configuration-sources/:type/anchor/download", "/configuration-sources/{type}/anchor/download",
		Download{Filename: "{type}_anchor.xml", ContentType: MIMEBinary})
	r.json(put, "/configuration-sources/:type/anchor/re-create", "/configuration-sources/{type}/anchor/re-create")
	r.json(get, "/configuration-sources/:type/configuration-parts", "/configuration-sources/{type}/configuration-parts")
	r.upload(post, "/configuration-sources/:type/configuration-parts", "/configuration-sources/{type}/configuration-parts",
		Upload{Field: "file", ContentType: MIMEXML})
	r.download("/configuration-sources/:type/configuration-parts/:content/:version/download",
		"/configuration-sources/{type}/configuration-parts/{content}/{version}/download",
		Download{Filename: "{content}_v{version}.xml", ContentType: MIMEXML})
	r.json(get, "/configuration-sources/:type/download-url", "/configuration-sources/{type}/download-url")
	r.json(post, "/configuration-sources/:type/signing-keys", "/configuration-sources/{type}/signing-keys")
	r.probe("/configuration-sources/health", "/configuration-sources/INTERNAL/configuration-parts")
	r.message(del, "/signing-keys/:id", "/signing-keys/{id}", "Signing key {id} deleted successfully")
	r.message(put, "/signing-keys/:id/activate", "/signing-keys/{id}/activate", "Signing key {id} activated successfully")

	// Tokens
	r.json(get, "/tokens", "/tokens")
	r.probe("/tokens/health", "/tokens")
	r.json(put, "/tokens/:id/login", "/tokens/{id}/login")
	r.json(put, "/tokens/:id/logout", "/tokens/{id}/logout")

	// Timestamping services and management requests
	r.json(get, "/timestamping-services", "/timestamping-services")
	r.upload(post, "/timestamping-services", "/timestamping-services",
		Upload{Field: "certificate", ContentType: MIMECertificate})
	r.probe("/timestamping-services/health", "/timestamping-services")
	r.json(get, "/timestamping-services/:id", "/timestamping-services/{id}")
	r.message(del, "/timestamping-services/:id", "/timestamping-services/{id}", "Timestamping service {id} deleted successfully")
	r.upload(patch, "/timestamping-services/:id", "/timestamping-services/{id}",
		Upload{Field: "certificate", ContentType: MIMECertificate, Optional: true})
	r.json(get, "/management-requests", "/management-requests")
	r.probe("/management-requests/health", "/management-requests")
	r.json(get, "/management-requests/:id", "/management-requests/{id}")

	// Management services configuration
	r.json(get, "/management-services/configuration", "/management-services-configuration")
	r.json(patch, "/management-services/configuration", "/management-services-configuration")
	r.json(post, "/management-services/configuration/register-provider", "/management-services-configuration/register-provider")
	r.json(get, "/management-services/configuration/certificate", "/management-services-configuration/certificate")
	r.json(post, "/management-services/configuration/certificate", "/management-services-configuration/certificate")
	r.download("/management-services/configuration/download-certificate", "/management-services-configuration/download-certificate",
		Download{Filename: "management_services_tls.crt", ContentType: MIMECertificate})
	r.json(post, "/management-services/configuration/generate-csr", "/management-services-configuration/generate-csr")
	r.upload(post, "/management-services/configuration/upload-certificate", "/management-services-configuration/upload-certificate",
		Upload{Field: "certificate", ContentType: MIMECertificate})
	r.probe("/management-services/health", "/management-services-configuration")

	// System and initialization
	r.json(put, "/system/server-address", "/system/server-address")
	r.json(get, "/system/status", "/system/status")
	r.json(get, "/system/version", "/system/version")
	r.json(get, "/system/high-availability-cluster/status", "/system/high-availability-cluster/status")
	r.probe("/system/health", "/system/status")
	r.json(post, "/initialization", "/initialization")
	r.json(get, "/initialization/status", "/initialization/status")
	r.probe("/initialization/health", "/initialization/status")
}

// securityDiagnostics are the entries of the Security Server aggregate view.
var securityDiagnostics = []Diagnostic{
	{Name: "global_configuration", Endpoint: "/diagnostics/globalconf"},
	{Name: "ocsp_responders", Endpoint: "/diagnostics/ocsp-responders"},
	{Name: "timestamping_services", Endpoint: "/diagnostics/timestamping-services"},
	{Name: "addon_status", Endpoint: "/diagnostics/addon-status"},
	{Name: "backup_encryption", Endpoint: "/diagnostics/backup-encryption-status"},
	{Name: "message_log_encryption", Endpoint: "/diagnostics/message-log-encryption-status"},
}

func registerSecurity(r surfaceRoutes) {
	const (
		get   = http.MethodGet
		post  = http.MethodPost
		put   = http.MethodPut
		patch = http.MethodPatch
		del   = http.MethodDelete
	)

	// Backups
	r.json(get, "/backups", "/backups")
	r.json(post, "/backups", "/backups")
	r.json(post, "/backups/ext", "/backups/ext")
	r.upload(post, "/backups/upload", "/backups/upload",
		Upload{Field: "file", ContentType: MIMEBinary, Query: ignoreWarnings})
	r.probe("/backups/health", "/backups")
	r.message(del, "/backups/:filename", "/backups/{filename}", "Security server backup {filename} deleted successfully")
	r.download("/backups/:filename/download", "/backups/{filename}/download",
		Download{Filename: "{filename}", ContentType: MIMEBinary})
	r.json(put, "/backups/:filename/restore", "/backups/{filename}/restore")

	// Diagnostics
	for _, d := range securityDiagnostics {
		r.json(get, d.Endpoint, d.Endpoint)
	}
	r.g.GET("/diagnostics/all", r.h.Diagnostics(r.surface, securityDiagnostics))
	r.probe("/diagnostics/health", "/diagnostics/globalconf")

	// Initialization
	r.json(post, "/initialization", "/initialization")
	r.json(get, "/initialization/status", "/initialization/status")
	r.probe("/initialization/health", "/initialization/status")

	// X-Road instances and members
	r.json(get, "/xroad-instances", "/xroad-instances")
	r.probe("/xroad-instances/health", "/xroad-instances")
	r.json(get, "/member-classes", "/member-classes")
	r.json(get, "/member-classes/:instance", "/member-classes/{instance}")
	r.json(get, "/member-names", "/member-names")
	r.json(get, "/member-names/search", "/member-names/search")
	r.json(get, "/members/:class/:code", "/members/{class}/{code}")
	r.json(get, "/instances", "/instances")
	r.probe("/members/health", "/member-classes")

	// Keys and CSRs
	r.probe("/keys/health", "/keys")
	r.json(get, "/keys/:id", "/keys/{id}")
	r.json(patch, "/keys/:id", "/keys/{id}")
	r.message(del, "/keys/:id", "/keys/{id}", "Key {id} deleted successfully")
	r.json(get, "/keys/:id/possible-actions", "/keys/{id}/possible-actions")
	r.json(post, "/keys/:id/csrs", "/keys/{id}/csrs")
	r.download("/keys/:id/csrs/:csr", "/keys/{id}/csrs/{csr}",
		Download{Filename: "csr_{csr}.csr", ContentType: MIMEBinary})
	r.message(del, "/keys/:id/csrs/:csr", "/keys/{id}/csrs/{csr}", "CSR {csr} deleted successfully from key {id}")
	r.json(get, "/keys/:id/csrs/:csr/possible-actions", "/keys/{id}/csrs/{csr}/possible-actions")

	// System configuration
	r.json(get, "/system/anchor", "/system/anchor")
	r.upload(post, "/system/anchor", "/system/anchor", Upload{Field: "file", ContentType: MIMEBinary})
	r.upload(put, "/system/anchor", "/system/anchor", Upload{Field: "file", ContentType: MIMEBinary})
	r.upload(post, "/system/anchor/previews", "/system/anchor/previews", Upload{Field: "file", ContentType: MIMEBinary})
	r.download("/system/anchor/download", "/system/anchor/download",
		Download{Filename: "anchor.xml", ContentType: MIMEBinary})
	r.json(get, "/system/certificate", "/system/certificate")
	r.json(post, "/system/certificate", "/system/certificate")
	r.download("/system/certificate/export", "/system/certificate/export",
		Download{Filename: "tls_certificate.tar.gz", ContentType: MIMEGzip})
	r.json(post, "/system/certificate/csr", "/system/certificate/csr")
	r.upload(post, "/system/certificate/import", "/system/certificate/import", Upload{Field: "file", ContentType: MIMEBinary})
	r.json(get, "/system/server-address", "/system/server-address")
	r.json(put, "/system/server-address", "/system/server-address")
	r.json(get, "/system/timestamping-services", "/system/timestamping-services")
	r.json(post, "/system/timestamping-services", "/system/timestamping-services")
	r.message(post, "/system/timestamping-services/delete", "/system/timestamping-services/delete", "Timestamping service deleted successfully")
	r.json(get, "/system/node-type", "/system/node-type")
	r.json(get, "/system/version", "/system/version")
	r.probe("/system/health", "/system/version")

	// Timestamping services
	r.json(get, "/timestamping-services", "/timestamping-services")
	r.probe("/timestamping-services/health", "/timestamping-services")

	// Tokens
	r.json(get, "/tokens", "/tokens")
	r.probe("/tokens/health", "/tokens")
	r.json(get, "/tokens/:id", "/tokens/{id}")
	r.json(patch, "/tokens/:id", "/tokens/{id}")
	r.json(put, "/tokens/:id/pin", "/tokens/{id}/pin")
	r.json(post, "/tokens/:id/keys-with-csrs", "/tokens/{id}/keys-with-csrs")
	r.json(post, "/tokens/:id/keys", "/tokens/{id}/keys")
	r.json(put, "/tokens/:id/login", "/tokens/{id}/login")
	r.json(put, "/tokens/:id/logout", "/tokens/{id}/logout")

	// Token certificates
	r.upload(post, "/token-certificates", "/token-certificates", Upload{Field: "file", ContentType: MIMECertificate})
	r.probe("/token-certificates/health", "/tokens")
	r.json(get, "/token-certificates/:hash", "/token-certificates/{hash}")
	r.message(del, "/token-certificates/:hash", "/token-certificates/{hash}", "Certificate {hash} deleted successfully")
	r.message(put, "/token-certificates/:hash/activate", "/token-certificates/{hash}/activate", "Certificate {hash} activated successfully")
	r.message(put, "/token-certificates/:hash/disable", "/token-certificates/{hash}/disable", "Certificate {hash} disabled successfully")
	r.json(get, "/token-certificates/:hash/possible-actions", "/token-certificates/{hash}/possible-actions")
	r.message(put, "/token-certificates/:hash/register", "/token-certificates/{hash}/register", "Certificate {hash} registered successfully")
	r.message(put, "/token-certificates/:hash/unregister", "/token-certificates/{hash}/unregister", "Certificate {hash} unregistered successfully")
	r.message(put, "/token-certificates/:hash/mark-for-deletion", "/token-certificates/{hash}/mark-for-deletion",
		"Certificate {hash} marked for deletion successfully")
}
