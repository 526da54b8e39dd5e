package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dropforge-labs/dropforge/internal/collections"
	"github.com/dropforge-labs/dropforge/internal/manifest"
	"github.com/dropforge-labs/dropforge/internal/redemption"
	"github.com/dropforge-labs/dropforge/internal/sharelink"
	"github.com/dropforge-labs/dropforge/internal/slots"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const payerContextKey = "dropforge_payer_address"

var (
	errMissingSessions    = errors.New("session manager dependency required")
	errMissingRegistry    = errors.New("registry dependency required")
	errMissingPublisher   = errors.New("manifest publisher dependency required")
	errMissingCoordinator = errors.New("redemption coordinator dependency required")
	errInvalidAuth        = errors.New("authorization header missing or invalid")
)

// SessionManager issues and validates payer session tokens.
type SessionManager interface {
	IssueSession(address string) (string, int64, error)
	ValidateSession(token string) (string, error)
}

// Registry is the collection registry capability the handlers consume.
type Registry interface {
	Create(ctx context.Context, params collections.CreateParams) (string, error)
	Read(ctx context.Context, collectionID string) (collections.Snapshot, error)
	Cached(ctx context.Context, collectionID string) (collections.Snapshot, bool, error)
	ListByCreator(ctx context.Context, creator string) ([]collections.Summary, error)
}

// Publisher builds and publishes verified manifests.
type Publisher interface {
	Publish(ctx context.Context, assets [][]byte) (manifest.PublishResult, error)
}

// Redeemer performs slot redemptions.
type Redeemer interface {
	Redeem(ctx context.Context, snapshot collections.Snapshot, index int, payer string) (redemption.Outcome, error)
}

// Dependencies wires the HTTP surface to the pipeline.
type Dependencies struct {
	Sessions    SessionManager
	Registry    Registry
	Publisher   Publisher
	Coordinator Redeemer
	AppBaseURL  string
	QREndpoint  string
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router for the publish/verify/redeem surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Publisher == nil {
		return nil, errMissingPublisher
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:    deps.Sessions,
		registry:    deps.Registry,
		publisher:   deps.Publisher,
		coordinator: deps.Coordinator,
		appBaseURL:  strings.TrimRight(deps.AppBaseURL, "/"),
		qrEndpoint:  deps.QREndpoint,
		logger:      logger,
	}

	router.POST("/session", handler.handleSession)
	router.GET("/collections/:id", handler.handleReadCollection)
	router.GET("/collections/:id/share/:index", handler.handleShareLink)
	router.POST("/collections/:id/automint", handler.handleAutoMint)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/collections", handler.handleCreateCollection)
	protected.GET("/collections", handler.handleListCollections)
	protected.POST("/collections/:id/mint", handler.handleMint)

	return router, nil
}

type httpHandler struct {
	sessions    SessionManager
	registry    Registry
	publisher   Publisher
	coordinator Redeemer
	appBaseURL  string
	qrEndpoint  string
	logger      *zap.Logger
}

type sessionRequestPayload struct {
	Address string `json:"address"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Address) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.sessions.IssueSession(strings.TrimSpace(request.Address))
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}

	address, err := h.sessions.ValidateSession(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Set(payerContextKey, address)
	c.Next()
}

func payerFrom(c *gin.Context) string {
	value, ok := c.Get(payerContextKey)
	if !ok {
		return ""
	}
	address, _ := value.(string)
	return address
}

type createCollectionResponse struct {
	CollectionID string `json:"collection_id"`
	ManifestRef  string `json:"manifest_ref"`
	AssetCount   int    `json:"asset_count"`
}

func (h *httpHandler) handleCreateCollection(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form required"})
		return
	}

	name := strings.TrimSpace(c.PostForm("name"))
	description := strings.TrimSpace(c.PostForm("description"))
	supplyCap, supplyErr := strconv.ParseUint(c.PostForm("supply_cap"), 10, 64)
	royaltyBps, royaltyErr := strconv.ParseUint(c.PostForm("royalty_bps"), 10, 16)
	price, priceErr := strconv.ParseUint(c.PostForm("price"), 10, 64)
	if name == "" || description == "" || supplyErr != nil || royaltyErr != nil || priceErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, description, supply_cap, royalty_bps and price are required"})
		return
	}

	files := form.File["assets"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one asset is required"})
		return
	}

	assets := make([][]byte, 0, len(files))
	for _, file := range files {
		opened, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable asset " + file.Filename})
			return
		}
		payload, err := io.ReadAll(opened)
		opened.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable asset " + file.Filename})
			return
		}
		assets = append(assets, payload)
	}

	if uint64(len(assets)) != supplyCap {
		// A shorter manifest leaves high slots unresolvable, a longer one
		// strands assets behind the sequential counter.
		h.logger.Warn("asset count does not match supply cap",
			zap.Int("assets", len(assets)),
			zap.Uint64("supply_cap", supplyCap))
	}

	published, err := h.publisher.Publish(c.Request.Context(), assets)
	if err != nil {
		h.respondPublishError(c, err)
		return
	}

	collectionID, err := h.registry.Create(c.Request.Context(), collections.CreateParams{
		Name:        name,
		Description: description,
		SupplyCap:   supplyCap,
		RoyaltyBps:  uint16(royaltyBps),
		ManifestRef: published.ManifestRef.String(),
		Price:       price,
		Creator:     payerFrom(c),
	})
	if err != nil {
		h.logger.Error("collection creation failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to create collection: " + err.Error()})
		return
	}

	c.JSON(http.StatusCreated, createCollectionResponse{
		CollectionID: collectionID,
		ManifestRef:  published.ManifestRef.String(),
		AssetCount:   len(published.AssetURLs),
	})
}

func (h *httpHandler) respondPublishError(c *gin.Context, err error) {
	var verification *manifest.VerificationError
	if errors.As(err, &verification) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": err.Error(),
			"index": verification.Index,
		})
		return
	}
	var integrity *manifest.IntegrityError
	if errors.As(err, &integrity) {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": "upload failed: " + err.Error()})
}

func (h *httpHandler) handleListCollections(c *gin.Context) {
	summaries, err := h.registry.ListByCreator(c.Request.Context(), payerFrom(c))
	if err != nil {
		h.logger.Error("collection listing failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to load collections"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"collections": summaries})
}

type slotPayload struct {
	Index     int    `json:"index"`
	Label     string `json:"label"`
	AssetURL  string `json:"asset_url"`
	Available bool   `json:"available"`
}

type collectionResponse struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Creator     string        `json:"creator"`
	SupplyCap   uint64        `json:"supply_cap"`
	MintedCount uint64        `json:"minted_count"`
	Price       uint64        `json:"price"`
	ManifestRef string        `json:"manifest_ref"`
	Slots       []slotPayload `json:"slots"`
	Stale       bool          `json:"stale,omitempty"`
}

func (h *httpHandler) handleReadCollection(c *gin.Context) {
	collectionID := c.Param("id")
	snapshot, err := h.registry.Read(c.Request.Context(), collectionID)
	if err == nil {
		c.JSON(http.StatusOK, toCollectionResponse(snapshot, false))
		return
	}

	// Not-found, expired-manifest and decode failures are authoritative; a
	// stale snapshot only substitutes for an unreachable ledger.
	if isAuthoritativeReadError(err) {
		h.respondReadError(c, err)
		return
	}

	cached, ok, cacheErr := h.registry.Cached(c.Request.Context(), collectionID)
	if cacheErr != nil || !ok {
		h.respondReadError(c, err)
		return
	}
	h.logger.Warn("serving stale collection snapshot",
		zap.String("collection_id", collectionID),
		zap.Error(err))
	c.JSON(http.StatusOK, toCollectionResponse(cached, true))
}

func isAuthoritativeReadError(err error) bool {
	if errors.Is(err, collections.ErrNotFound) {
		return true
	}
	var unavailable *collections.ManifestUnavailableError
	if errors.As(err, &unavailable) {
		return true
	}
	var decodeErr *collections.DecodeError
	return errors.As(err, &decodeErr)
}

func toCollectionResponse(snapshot collections.Snapshot, stale bool) collectionResponse {
	response := collectionResponse{
		Stale:       stale,
		ID:          snapshot.ID,
		Name:        snapshot.Name,
		Description: snapshot.Description,
		Creator:     snapshot.Creator,
		SupplyCap:   snapshot.SupplyCap,
		MintedCount: snapshot.MintedCount,
		Price:       snapshot.Price,
		ManifestRef: snapshot.ManifestRef,
		Slots:       make([]slotPayload, 0, len(snapshot.AssetURLs)),
	}
	for index := range snapshot.AssetURLs {
		resolution, err := slots.Resolve(snapshot, index)
		if err != nil {
			continue
		}
		response.Slots = append(response.Slots, slotPayload{
			Index:     index,
			Label:     slots.Label(snapshot, index),
			AssetURL:  resolution.AssetURL,
			Available: resolution.Available,
		})
	}
	return response
}

func (h *httpHandler) respondReadError(c *gin.Context, err error) {
	if errors.Is(err, collections.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "collection not found"})
		return
	}
	var unavailable *collections.ManifestUnavailableError
	if errors.As(err, &unavailable) {
		c.JSON(http.StatusGone, gin.H{"error": unavailable.Error()})
		return
	}
	var decodeErr *collections.DecodeError
	if errors.As(err, &decodeErr) {
		c.JSON(http.StatusBadGateway, gin.H{"error": decodeErr.Error()})
		return
	}
	h.logger.Error("collection read failed", zap.Error(err))
	c.JSON(http.StatusBadGateway, gin.H{"error": "failed to load collection"})
}

type mintRequestPayload struct {
	Index *int `json:"index"`
}

func (h *httpHandler) handleMint(c *gin.Context) {
	var request mintRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Index == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "slot index is required"})
		return
	}

	snapshot, err := h.registry.Read(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondReadError(c, err)
		return
	}

	outcome, err := h.coordinator.Redeem(c.Request.Context(), snapshot, *request.Index, payerFrom(c))
	if err != nil {
		h.respondMintError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tx":           string(outcome.TxID),
		"label":        outcome.Label,
		"minted_count": outcome.Snapshot.MintedCount,
		"message":      "Successfully minted " + outcome.Label + "!",
	})
}

func (h *httpHandler) respondMintError(c *gin.Context, err error) {
	if errors.Is(err, redemption.ErrAlreadyInFlight) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	var precondition *redemption.PreconditionError
	if errors.As(err, &precondition) {
		c.JSON(http.StatusConflict, gin.H{"error": precondition.Error()})
		return
	}
	var outOfRange *slots.IndexOutOfRangeError
	if errors.As(err, &outOfRange) {
		c.JSON(http.StatusBadRequest, gin.H{"error": outOfRange.Error()})
		return
	}
	var failed *redemption.FailedError
	if errors.As(err, &failed) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Minting failed: " + failed.Reason})
		return
	}
	h.logger.Error("mint failed", zap.Error(err))
	c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
}

func (h *httpHandler) handleShareLink(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index must be a non-negative integer"})
		return
	}

	pageURL := h.appBaseURL + "/collections/" + c.Param("id")
	link, err := sharelink.Encode(pageURL, index)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":    link,
		"qr_url": sharelink.QRImageURL(h.qrEndpoint, link),
	})
}

type autoMintRequestPayload struct {
	URL string `json:"url"`
}

// handleAutoMint evaluates a share-link intent against live collection state.
// The caller may be unauthenticated; without a payer session the response is
// the connect call-to-action rather than an error.
func (h *httpHandler) handleAutoMint(c *gin.Context) {
	var request autoMintRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.URL) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "share link url is required"})
		return
	}

	payer := ""
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		if address, err := h.sessions.ValidateSession(strings.TrimSpace(header[len("Bearer "):])); err == nil {
			payer = address
		}
	}

	snapshot, err := h.registry.Read(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondReadError(c, err)
		return
	}

	minter := sharelink.NewAutoMinter(request.URL, h.coordinator, h.logger)
	result, err := minter.Evaluate(c.Request.Context(), snapshot, payer)
	if err != nil {
		h.respondMintError(c, err)
		return
	}

	response := gin.H{
		"status":  autoMintStatusName(result.Status),
		"index":   result.Index,
		"message": result.Message,
	}
	if result.Status == sharelink.StatusRedeemed {
		response["tx"] = string(result.Outcome.TxID)
		response["label"] = result.Outcome.Label
		response["minted_count"] = result.Outcome.Snapshot.MintedCount
	}
	c.JSON(http.StatusOK, response)
}

func autoMintStatusName(status sharelink.Status) string {
	switch status {
	case sharelink.StatusPending:
		return "pending"
	case sharelink.StatusAwaitingPayer:
		return "awaiting_payer"
	case sharelink.StatusAlreadyRedeemed:
		return "already_redeemed"
	case sharelink.StatusRedeemed:
		return "redeemed"
	default:
		return "no_intent"
	}
}
