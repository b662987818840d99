package credentials

import (
	"context"
	"database/sql"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/permitd/permitd/pkg/storage"
)

// permissionsDocument is the resolved permission state of one application,
// renderable as the signed XML document or the raw JSON view. Topic sets are
// expanded to their member topics and interval windows are inlined, so the
// document stands alone.
type permissionsDocument struct {
	ApplicationID int64
	GroupID       int64
	GroupName     string
	Nonce         string
	Publish       []grantEntry
	Subscribe     []grantEntry
}

type grantEntry struct {
	Topic     string     `json:"topic"`
	NotBefore *time.Time `json:"not_before,omitempty"`
	NotAfter  *time.Time `json:"not_after,omitempty"`
}

func (s *Service) buildPermissionsDocument(ctx context.Context, applicationID int64, nonce string) (*permissionsDocument, error) {
	doc := &permissionsDocument{ApplicationID: applicationID, Nonce: nonce}
	err := s.db.QueryRowContext(ctx, `
		SELECT a.group_id, g.name
		FROM applications a
		JOIN groups g ON g.id = a.group_id
		WHERE a.id = $1
	`, applicationID).Scan(&doc.GroupID, &doc.GroupName)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to load application for document: %w", err))
	}

	// Direct topic grants unioned with expanded topic-set grants.
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.name, ap.access, ai.starts_at, ai.ends_at
		FROM application_permissions ap
		JOIN topics t ON t.id = ap.topic_id
		LEFT JOIN action_intervals ai ON ai.id = ap.action_interval_id
		WHERE ap.application_id = $1
		UNION ALL
		SELECT t.name, ap.access, ai.starts_at, ai.ends_at
		FROM application_permissions ap
		JOIN topic_set_members tsm ON tsm.topic_set_id = ap.topic_set_id
		JOIN topics t ON t.id = tsm.topic_id
		LEFT JOIN action_intervals ai ON ai.id = ap.action_interval_id
		WHERE ap.application_id = $1
		ORDER BY 1, 2
	`, applicationID)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to resolve grants: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var topic, access string
		var startsAt, endsAt sql.NullTime
		if err := rows.Scan(&topic, &access, &startsAt, &endsAt); err != nil {
			return nil, storage.ClassifyErr(fmt.Errorf("failed to scan grant: %w", err))
		}
		entry := grantEntry{Topic: topic}
		if startsAt.Valid {
			t := startsAt.Time.UTC()
			entry.NotBefore = &t
		}
		if endsAt.Valid {
			t := endsAt.Time.UTC()
			entry.NotAfter = &t
		}
		switch access {
		case "READ":
			doc.Subscribe = append(doc.Subscribe, entry)
		case "WRITE":
			doc.Publish = append(doc.Publish, entry)
		case "READ_WRITE":
			doc.Subscribe = append(doc.Subscribe, entry)
			doc.Publish = append(doc.Publish, entry)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to iterate grants: %w", err))
	}
	return doc, nil
}

type xmlTopics struct {
	Topics []string `xml:"topics>topic"`
}

type xmlRule struct {
	Domains   string     `xml:"domains>id_range"`
	Publish   *xmlTopics `xml:"publish,omitempty"`
	Subscribe *xmlTopics `xml:"subscribe,omitempty"`
}

type xmlValidity struct {
	NotBefore string `xml:"not_before"`
	NotAfter  string `xml:"not_after"`
}

type xmlGrant struct {
	Name        string      `xml:"name,attr"`
	SubjectName string      `xml:"subject_name"`
	Validity    xmlValidity `xml:"validity"`
	AllowRules  []xmlRule   `xml:"allow_rule"`
	Default     string      `xml:"default"`
}

type xmlPermissions struct {
	XMLName xml.Name `xml:"dds"`
	Grant   xmlGrant `xml:"permissions>grant"`
}

// renderXML produces the unsigned permission document. Timestamps derive
// from grant windows rather than generation time, so content is stable
// between permission changes.
func (d *permissionsDocument) renderXML() ([]byte, error) {
	subject := fmt.Sprintf("CN=permitd:app:%d:group:%d", d.ApplicationID, d.GroupID)
	if d.Nonce != "" {
		subject += ":nonce:" + d.Nonce
	}

	grant := xmlGrant{
		Name:        fmt.Sprintf("grant_app_%d", d.ApplicationID),
		SubjectName: subject,
		Validity: xmlValidity{
			NotBefore: "2020-01-01T00:00:00",
			NotAfter:  "2099-12-31T23:59:59",
		},
		Default: "DENY",
	}

	rule := xmlRule{Domains: "0-230"}
	if len(d.Publish) > 0 {
		rule.Publish = &xmlTopics{}
		for _, g := range d.Publish {
			rule.Publish.Topics = append(rule.Publish.Topics, g.Topic)
		}
	}
	if len(d.Subscribe) > 0 {
		rule.Subscribe = &xmlTopics{}
		for _, g := range d.Subscribe {
			rule.Subscribe.Topics = append(rule.Subscribe.Topics, g.Topic)
		}
	}
	if rule.Publish != nil || rule.Subscribe != nil {
		grant.AllowRules = append(grant.AllowRules, rule)
	}

	out, err := xml.MarshalIndent(xmlPermissions{Grant: grant}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render permissions document: %w", err)
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

type jsonPermissions struct {
	ApplicationID int64        `json:"application_id"`
	GroupID       int64        `json:"group_id"`
	GroupName     string       `json:"group_name"`
	Publish       []grantEntry `json:"publish"`
	Subscribe     []grantEntry `json:"subscribe"`
}

// renderJSON produces the machine-readable permission view.
func (d *permissionsDocument) renderJSON() ([]byte, error) {
	out := jsonPermissions{
		ApplicationID: d.ApplicationID,
		GroupID:       d.GroupID,
		GroupName:     d.GroupName,
		Publish:       d.Publish,
		Subscribe:     d.Subscribe,
	}
	if out.Publish == nil {
		out.Publish = []grantEntry{}
	}
	if out.Subscribe == nil {
		out.Subscribe = []grantEntry{}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render permissions json: %w", err)
	}
	return append(data, '\n'), nil
}
