package controllers

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"civicsync/middlewares"
	"civicsync/models"
	"civicsync/resolver"
	"civicsync/store"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MaxImageBytes is the largest photo accepted with a report.
const MaxImageBytes = 10 << 20

// Submitter resolves new reports and explicit support.
type Submitter interface {
	Submit(ctx context.Context, sub resolver.Submission) (*resolver.Outcome, error)
	Support(ctx context.Context, issueID, reporterID primitive.ObjectID) (resolver.LedgerResult, error)
}

// IssueRepository is the read and admin side of the issue store.
type IssueRepository interface {
	FindByID(ctx context.Context, id primitive.ObjectID) (*models.Issue, error)
	ListNearby(ctx context.Context, point models.GeoPoint, radiusMeters float64) ([]models.Issue, error)
	ListByUser(ctx context.Context, userID primitive.ObjectID, status models.IssueStatus) ([]models.Issue, error)
	List(ctx context.Context, q store.ListQuery) (store.IssuePage, error)
	MapIssues(ctx context.Context) ([]models.Issue, error)
	NearbyOf(ctx context.Context, issue *models.Issue) ([]models.Issue, error)
	UpdateStatus(ctx context.Context, id primitive.ObjectID, status models.IssueStatus, notes string, now time.Time) (*models.Issue, error)
	Assign(ctx context.Context, id primitive.ObjectID, assignee string, now time.Time) (*models.Issue, error)
	UpdateCategory(ctx context.Context, id primitive.ObjectID, category models.IssueCategory, now time.Time) (*models.Issue, error)
	DashboardStats(ctx context.Context, reporterID *primitive.ObjectID) (store.DashboardStats, error)
}

// IssueController serves the /api/issues routes.
type IssueController struct {
	submitter Submitter
	issues    IssueRepository
	logger    zerolog.Logger
	now       func() time.Time
}

func NewIssueController(submitter Submitter, issues IssueRepository, logger zerolog.Logger) *IssueController {
	return &IssueController{
		submitter: submitter,
		issues:    issues,
		logger:    logger.With().Str("component", "issues").Logger(),
		now:       time.Now,
	}
}

// currentUser returns the authenticated caller's id.
func currentUser(c *gin.Context) (primitive.ObjectID, bool) {
	userID, err := primitive.ObjectIDFromHex(c.GetString(middlewares.UserIDKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return primitive.NilObjectID, false
	}
	return userID, true
}

func pathID(c *gin.Context, param string) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid issue ID"})
		return primitive.NilObjectID, false
	}
	return id, true
}

// storeError writes the response for a failed store call.
func (ic *IssueController) storeError(c *gin.Context, err error, msg string) {
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Issue not found"})
		return
	}
	ic.logger.Error().Err(err).Str("request_id", c.GetString(middlewares.RequestIDKey)).Msg(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
}

var errNotFinite = errors.New("not a finite number")

func optionalFloat(raw string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, errNotFinite
	}
	return &v, nil
}

// readImage pulls the "image" part of a multipart form, enforcing size and type.
func readImage(c *gin.Context) ([]byte, string, string) {
	header, err := c.FormFile("image")
	if err != nil {
		return nil, "", "Image is required"
	}
	if header.Size > MaxImageBytes {
		return nil, "", "Image must be 10MB or smaller"
	}
	f, err := header.Open()
	if err != nil {
		return nil, "", "Image could not be read"
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxImageBytes+1))
	if err != nil {
		return nil, "", "Image could not be read"
	}
	if len(data) > MaxImageBytes {
		return nil, "", "Image must be 10MB or smaller"
	}
	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, "", "Only image files are allowed"
	}
	return data, mtype.String(), ""
}

// CreateIssue handles a new report, resolving it against nearby open issues
func (ic *IssueController) CreateIssue(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxImageBytes+(1<<20))
	if err := c.Request.ParseMultipartForm(MaxImageBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Image must be 10MB or smaller"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request must be multipart/form-data"})
		return
	}

	lat, latErr := optionalFloat(c.PostForm("latitude"))
	lng, lngErr := optionalFloat(c.PostForm("longitude"))
	if latErr != nil || lngErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Latitude and longitude must be numbers"})
		return
	}

	sub := resolver.Submission{
		ReporterID:  userID,
		Description: c.PostForm("description"),
		Category:    models.IssueCategory(strings.TrimSpace(c.PostForm("category"))),
		Latitude:    lat,
		Longitude:   lng,
		Address:     c.PostForm("address"),
	}
	// field checks come before the image so the caller sees the first problem
	if err := sub.Validate(); err != nil {
		if v, ok := resolver.IsValidation(err); ok && v.Field != "image" {
			c.JSON(http.StatusBadRequest, gin.H{"error": v.Message})
			return
		}
	}

	data, contentType, problem := readImage(c)
	if problem != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": problem})
		return
	}
	sub.Image = data
	sub.ContentType = contentType

	outcome, err := ic.submitter.Submit(c.Request.Context(), sub)
	if err != nil {
		if v, ok := resolver.IsValidation(err); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": v.Message})
			return
		}
		ic.logger.Error().Err(err).
			Str("request_id", c.GetString(middlewares.RequestIDKey)).
			Str("reporter_id", userID.Hex()).
			Msg("Failed to create issue")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error while creating issue"})
		return
	}

	status, body := outcomeResponse(outcome)
	c.JSON(status, body)
}

func outcomeResponse(o *resolver.Outcome) (int, gin.H) {
	switch o.Action {
	case resolver.ActionDuplicate:
		return http.StatusOK, gin.H{
			"success":   false,
			"duplicate": true,
			"action":    o.Action,
			"message":   "You have already reported this issue with the same image.",
			"data": gin.H{
				"existingIssueId": o.IssueID.Hex(),
				"similarity":      o.Similarity,
				"distance":        o.Distance,
				"reason":          o.Reason,
			},
		}
	case resolver.ActionAlreadySupported:
		return http.StatusOK, gin.H{
			"success":   false,
			"duplicate": true,
			"action":    o.Action,
			"message":   "You have already supported this issue.",
			"data": gin.H{
				"existingIssueId": o.IssueID.Hex(),
				"supportCount":    o.SupportCount,
			},
		}
	case resolver.ActionSupportAdded:
		message := "You supported an existing issue at this location."
		if o.ViaClassifier {
			message = "Similar issue found by ML. Your support has been added."
		}
		return http.StatusOK, gin.H{
			"success":   true,
			"duplicate": true,
			"action":    o.Action,
			"message":   message,
			"data": gin.H{
				"existingIssueId": o.IssueID.Hex(),
				"supportCount":    o.SupportCount,
				"reason":          o.Reason,
				"mlConfidence":    o.Prediction.Confidence,
				"mlAvailable":     o.Prediction.Available,
			},
		}
	}
	return http.StatusCreated, gin.H{
		"success":   true,
		"duplicate": false,
		"action":    o.Action,
		"message":   "Issue reported successfully",
		"data": gin.H{
			"issue":             o.Issue,
			"predictedCategory": o.Category,
			"confidence":        o.Prediction.Confidence,
			"priority":          o.Prediction.Priority,
			"authentic":         o.Prediction.Authentic,
			"mlAvailable":       o.Prediction.Available,
		},
	}
}

// SupportIssue adds the caller as a supporter of an issue
func (ic *IssueController) SupportIssue(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	issueID, ok := pathID(c, "id")
	if !ok {
		return
	}

	res, err := ic.submitter.Support(c.Request.Context(), issueID, userID)
	if err != nil {
		ic.storeError(c, err, "Failed to support issue")
		return
	}
	if !res.Added {
		c.JSON(http.StatusBadRequest, gin.H{"error": "You have already supported this issue"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Support added successfully",
		"data":    gin.H{"supportCount": res.Count},
	})
}

// GetIssue returns a single issue
func (ic *IssueController) GetIssue(c *gin.Context) {
	issueID, ok := pathID(c, "id")
	if !ok {
		return
	}
	issue, err := ic.issues.FindByID(c.Request.Context(), issueID)
	if err != nil {
		ic.storeError(c, err, "Failed to get issue")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"issue": issue}})
}

// GetNearbyIssues lists issues around a point, nearest first
func (ic *IssueController) GetNearbyIssues(c *gin.Context) {
	lat, latErr := optionalFloat(c.Query("lat"))
	lng, lngErr := optionalFloat(c.Query("lng"))
	if latErr != nil || lngErr != nil || lat == nil || lng == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Latitude and longitude are required"})
		return
	}
	if *lat < -90 || *lat > 90 || *lng < -180 || *lng > 180 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Latitude and longitude are out of range"})
		return
	}
	radius, err := strconv.Atoi(c.DefaultQuery("radius", "5000"))
	if err != nil || radius <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid radius"})
		return
	}

	issues, err := ic.issues.ListNearby(c.Request.Context(), models.NewGeoPoint(*lng, *lat), float64(radius))
	if err != nil {
		ic.storeError(c, err, "Failed to get nearby issues")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(issues), "data": gin.H{"issues": issues}})
}

// GetUserIssues lists issues a user reported or supports, optionally by status
func (ic *IssueController) GetUserIssues(c *gin.Context) {
	callerID, ok := currentUser(c)
	if !ok {
		return
	}
	userID, err := primitive.ObjectIDFromHex(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}
	if userID != callerID && !middlewares.IsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not authorized to access these issues"})
		return
	}

	status := models.IssueStatus(c.Param("status"))
	if status != "" && status != "all" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
		return
	}

	issues, err := ic.issues.ListByUser(c.Request.Context(), userID, status)
	if err != nil {
		ic.storeError(c, err, "Failed to get user issues")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(issues), "data": gin.H{"issues": issues}})
}

// GetDashboardStats counts the caller's issues, or all issues for admins
func (ic *IssueController) GetDashboardStats(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var reporter *primitive.ObjectID
	if !middlewares.IsAdmin(c) {
		reporter = &userID
	}

	stats, err := ic.issues.DashboardStats(c.Request.Context(), reporter)
	if err != nil {
		ic.storeError(c, err, "Failed to get dashboard stats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": stats})
}

type supporterDetail struct {
	UserID      primitive.ObjectID `json:"userId"`
	SupportedAt time.Time          `json:"supportedAt"`
}

type nearbySummary struct {
	ID           primitive.ObjectID   `json:"id"`
	Title        string               `json:"title"`
	Category     models.IssueCategory `json:"category"`
	Status       models.IssueStatus   `json:"status"`
	ImageURL     string               `json:"imageUrl"`
	SupportCount int                  `json:"supportCount"`
	CreatedAt    time.Time            `json:"createdAt"`
}

// GetIssueDetails returns an issue with its supporters and the issues right next to it
func (ic *IssueController) GetIssueDetails(c *gin.Context) {
	issueID, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	issue, err := ic.issues.FindByID(ctx, issueID)
	if err != nil {
		ic.storeError(c, err, "Failed to get issue details")
		return
	}
	nearby, err := ic.issues.NearbyOf(ctx, issue)
	if err != nil {
		ic.storeError(c, err, "Failed to get nearby issues")
		return
	}

	supporters := make([]supporterDetail, 0, len(issue.Supporters))
	for _, s := range issue.Supporters {
		supporters = append(supporters, supporterDetail{UserID: s.UserID, SupportedAt: s.ReportedAt})
	}
	summaries := make([]nearbySummary, 0, len(nearby))
	for _, n := range nearby {
		summaries = append(summaries, nearbySummary{
			ID:           n.ID,
			Title:        n.Title,
			Category:     n.Category,
			Status:       n.Status,
			ImageURL:     n.ImageURL,
			SupportCount: n.SupportCount,
			CreatedAt:    n.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"issue":        issue,
			"supporters":   supporters,
			"nearbyIssues": summaries,
		},
	})
}

// GetAllIssues pages through every issue (admin)
func (ic *IssueController) GetAllIssues(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	q := store.ListQuery{
		Status:   models.IssueStatus(c.Query("status")),
		Category: models.IssueCategory(c.Query("category")),
		Page:     page,
		Limit:    limit,
	}

	result, err := ic.issues.List(c.Request.Context(), q)
	if err != nil {
		ic.storeError(c, err, "Failed to list issues")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(result.Issues),
		"total":   result.Total,
		"page":    result.Page,
		"pages":   result.Pages,
		"data":    gin.H{"issues": result.Issues},
	})
}

// GetIssuesForMap returns located issues for the admin map
func (ic *IssueController) GetIssuesForMap(c *gin.Context) {
	issues, err := ic.issues.MapIssues(c.Request.Context())
	if err != nil {
		ic.storeError(c, err, "Failed to get map issues")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(issues), "data": gin.H{"issues": issues}})
}

// UpdateIssueStatus changes the status of an issue (admin)
func (ic *IssueController) UpdateIssueStatus(c *gin.Context) {
	issueID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var input struct {
		Status     models.IssueStatus `json:"status" binding:"required"`
		AdminNotes string             `json:"adminNotes"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Status is required"})
		return
	}
	if !input.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
		return
	}
	if len([]rune(input.AdminNotes)) > models.MaxAdminNotes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Admin notes cannot exceed 500 characters"})
		return
	}

	issue, err := ic.issues.UpdateStatus(c.Request.Context(), issueID, input.Status, input.AdminNotes, ic.now().UTC())
	if err != nil {
		ic.storeError(c, err, "Failed to update issue status")
		return
	}
	ic.logger.Info().Str("issue_id", issueID.Hex()).Str("status", string(input.Status)).Msg("Issue status updated")
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Issue status updated successfully", "data": gin.H{"issue": issue}})
}

// AssignIssue hands an issue to a worker (admin)
func (ic *IssueController) AssignIssue(c *gin.Context) {
	issueID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var input struct {
		AssignedTo string `json:"assignedTo"`
	}
	if err := c.ShouldBindJSON(&input); err != nil || strings.TrimSpace(input.AssignedTo) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "assignedTo is required"})
		return
	}

	issue, err := ic.issues.Assign(c.Request.Context(), issueID, strings.TrimSpace(input.AssignedTo), ic.now().UTC())
	if err != nil {
		ic.storeError(c, err, "Failed to assign issue")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Issue assigned successfully", "data": gin.H{"issue": issue}})
}

// UpdateIssueCategory recategorizes an issue (admin)
func (ic *IssueController) UpdateIssueCategory(c *gin.Context) {
	issueID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var input struct {
		Category models.IssueCategory `json:"category" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Category is required"})
		return
	}
	if !input.Category.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid category"})
		return
	}

	issue, err := ic.issues.UpdateCategory(c.Request.Context(), issueID, input.Category, ic.now().UTC())
	if err != nil {
		ic.storeError(c, err, "Failed to update issue category")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Issue category updated successfully", "data": gin.H{"issue": issue}})
}
