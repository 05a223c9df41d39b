package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/camtang26/creative-ai-voice-platform/internal/database"
	"github.com/camtang26/creative-ai-voice-platform/internal/database/models"
)

// contactRequest is the JSON request body for creating a contact.
type contactRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Name        string `json:"name"`
}

// contactResponse is the JSON response for a single contact.
type contactResponse struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phoneNumber"`
	Name        string `json:"name"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

func toContactResponse(c *models.Contact) contactResponse {
	return contactResponse{
		ID:          c.ID,
		PhoneNumber: c.PhoneNumber,
		Name:        c.Name,
		CreatedAt:   c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   c.UpdatedAt.Format(time.RFC3339),
	}
}

// campaignContactResponse is the JSON response for one (contact,
// campaign) association joined with the contact's identity.
type campaignContactResponse struct {
	ContactID      string               `json:"contactId"`
	PhoneNumber    string               `json:"phoneNumber"`
	Name           string               `json:"name"`
	Status         models.ContactStatus `json:"status"`
	CallCount      int                  `json:"callCount"`
	Priority       int                  `json:"priority"`
	LastCallResult string               `json:"lastCallResult,omitempty"`
	LastCallDate   *string              `json:"lastCallDate"`
}

func toCampaignContactResponse(cc *models.CampaignContact) campaignContactResponse {
	resp := campaignContactResponse{
		ContactID:      cc.ContactID,
		PhoneNumber:    cc.PhoneNumber,
		Name:           cc.Name,
		Status:         cc.Status,
		CallCount:      cc.CallCount,
		Priority:       cc.Priority,
		LastCallResult: cc.LastCallResult,
	}
	if cc.LastCallDate != nil {
		t := cc.LastCallDate.Format(time.RFC3339)
		resp.LastCallDate = &t
	}
	return resp
}

// handleCreateContact creates a new contact. Phone numbers are unique;
// creating a duplicate returns 409 with the existing contact id.
func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	phone, errMsg := normalizePhone("phoneNumber", req.PhoneNumber)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.PhoneNumber = phone
	if errMsg := validateStringLen("name", req.Name, maxNameLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	existing, err := s.opts.Contacts.GetByPhone(r.Context(), req.PhoneNumber)
	if err != nil {
		slog.Error("create contact: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "phone number already exists")
		return
	}

	c := &models.Contact{
		ID:          uuid.NewString(),
		PhoneNumber: req.PhoneNumber,
		Name:        req.Name,
	}
	if err := s.opts.Contacts.Create(r.Context(), c); err != nil {
		slog.Error("create contact: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, toContactResponse(c))
}

// handleGetContact returns a single contact by id.
func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.opts.Contacts.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("get contact: failed to query", "contact_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "contact not found")
		return
	}
	writeJSON(w, http.StatusOK, toContactResponse(c))
}

// handleLookupContact resolves a contact by phone number (?phone=+E164).
func (s *Server) handleLookupContact(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phone")
	if phone == "" {
		writeError(w, http.StatusBadRequest, "phone query parameter is required")
		return
	}

	c, err := s.opts.Contacts.GetByPhone(r.Context(), normalizePhoneNumber(phone))
	if err != nil {
		slog.Error("lookup contact: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "contact not found")
		return
	}
	writeJSON(w, http.StatusOK, toContactResponse(c))
}

// addContactsRequest is the JSON request body for bulk-adding contacts
// to a campaign. Unknown phone numbers create new contact records.
type addContactsRequest struct {
	Contacts []struct {
		PhoneNumber string `json:"phoneNumber"`
		Name        string `json:"name"`
		Priority    int    `json:"priority"`
	} `json:"contacts"`
}

// handleAddCampaignContacts associates contacts with a campaign,
// creating contact records for unknown phone numbers. Re-adding an
// existing association is a no-op counted as skipped.
func (s *Server) handleAddCampaignContacts(w http.ResponseWriter, r *http.Request) {
	campaign, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	var req addContactsRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if len(req.Contacts) == 0 {
		writeError(w, http.StatusBadRequest, "contacts must not be empty")
		return
	}
	for i, entry := range req.Contacts {
		phone, errMsg := normalizePhone("contacts.phoneNumber", entry.PhoneNumber)
		if errMsg != "" {
			writeError(w, http.StatusBadRequest, errMsg)
			return
		}
		req.Contacts[i].PhoneNumber = phone
		if errMsg := validateStringLen("contacts.name", entry.Name, maxNameLen); errMsg != "" {
			writeError(w, http.StatusBadRequest, errMsg)
			return
		}
	}

	ctx := r.Context()
	added, skipped := 0, 0
	for _, entry := range req.Contacts {
		contact, err := s.opts.Contacts.GetByPhone(ctx, entry.PhoneNumber)
		if err != nil {
			slog.Error("add contacts: failed to query", "campaign_id", campaign.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if contact == nil {
			contact = &models.Contact{
				ID:          uuid.NewString(),
				PhoneNumber: entry.PhoneNumber,
				Name:        entry.Name,
			}
			if err := s.opts.Contacts.Create(ctx, contact); err != nil {
				slog.Error("add contacts: failed to insert contact", "campaign_id", campaign.ID, "error", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
		}

		created, err := s.opts.Contacts.AddToCampaign(ctx, campaign.ID, contact.ID, entry.Priority)
		if err != nil {
			slog.Error("add contacts: failed to associate", "campaign_id", campaign.ID, "contact_id", contact.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if created {
			added++
		} else {
			skipped++
		}
	}

	if added > 0 {
		if err := s.opts.Campaigns.ApplyStatsDelta(ctx, campaign.ID, database.StatsDelta{TotalContacts: added}); err != nil {
			slog.Error("add contacts: failed to update stats", "campaign_id", campaign.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]int{"added": added, "skipped": skipped})
}

// handleListCampaignContacts returns a page of a campaign's contact
// associations.
func (s *Server) handleListCampaignContacts(w http.ResponseWriter, r *http.Request) {
	campaign, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	contacts, total, err := s.opts.Contacts.ListByCampaign(r.Context(), campaign.ID, pg.Limit, pg.Offset)
	if err != nil {
		slog.Error("list campaign contacts: failed to query", "campaign_id", campaign.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]campaignContactResponse, len(contacts))
	for i := range contacts {
		items[i] = toCampaignContactResponse(&contacts[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleMarkDoNotCall excludes a pending contact from future claims.
func (s *Server) handleMarkDoNotCall(w http.ResponseWriter, r *http.Request) {
	campaign, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	contactID := chi.URLParam(r, "contactID")

	if err := s.opts.Contacts.MarkDoNotCall(r.Context(), campaign.ID, contactID); err != nil {
		slog.Error("mark do-not-call: failed to update", "campaign_id", campaign.ID, "contact_id", contactID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"contactId": contactID, "status": string(models.ContactDoNotCall)})
}
