package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"dropgate/internal/config"
	"dropgate/internal/domain/entity"
	"dropgate/internal/domain/repository"
	"dropgate/internal/domain/storage"
	"dropgate/internal/infrastructure/httpclient"
)

const (
	driveAPIBase    = "https://www.googleapis.com/drive/v3"
	driveUploadBase = "https://www.googleapis.com/upload/drive/v3"
	folderMimeType  = "application/vnd.google-apps.folder"
)

// googleDriveProvider talks to the Google Drive v3 API. Access tokens are
// read from the token store on every call so a refresh performed by another
// worker is picked up immediately.
type googleDriveProvider struct {
	oauthConfig *oauth2.Config
	config      *config.GoogleDriveConfig
	client      *httpclient.Client
	tokens      repository.TokenRepository
	logger      *zap.Logger
}

func NewGoogleDriveProvider(
	cfg *config.Config,
	client *httpclient.Client,
	tokens repository.TokenRepository,
	logger *zap.Logger,
) storage.CloudStorageProvider {
	return &googleDriveProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.Storage.GoogleDrive.ClientID,
			ClientSecret: cfg.Storage.GoogleDrive.ClientSecret,
			RedirectURL:  cfg.Storage.GoogleDrive.RedirectURL,
			Scopes:       []string{"https://www.googleapis.com/auth/drive.file"},
			Endpoint:     google.Endpoint,
		},
		config: &cfg.Storage.GoogleDrive,
		client: client,
		tokens: tokens,
		logger: logger,
	}
}

func (p *googleDriveProvider) Name() string {
	return config.ProviderGoogleDrive
}

// AuthCodeURL returns the consent page URL for the OAuth handshake.
func (p *googleDriveProvider) AuthCodeURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

func (p *googleDriveProvider) ExchangeCode(ctx context.Context, code string) (*entity.Credentials, error) {
	tok, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return credentialsFromToken(tok), nil
}

func (p *googleDriveProvider) RefreshToken(ctx context.Context, rec *entity.TokenRecord) (*entity.Credentials, error) {
	if rec.RefreshToken == "" {
		return nil, fmt.Errorf("token record %d has no refresh token", rec.ID)
	}

	src := p.oauthConfig.TokenSource(ctx, &oauth2.Token{
		RefreshToken: rec.RefreshToken,
	})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh access token: %w", err)
	}

	creds := credentialsFromToken(tok)
	if creds.RefreshToken == "" {
		// Google only returns a refresh token on the first grant.
		creds.RefreshToken = rec.RefreshToken
	}
	return creds, nil
}

func credentialsFromToken(tok *oauth2.Token) *entity.Credentials {
	return &entity.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
}

func (p *googleDriveProvider) Probe(ctx context.Context, userID int64) error {
	reqCtx, err := p.requestContext(ctx, userID)
	if err != nil {
		return err
	}

	var about struct {
		User struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"user"`
	}
	return p.client.GetJSON(ctx, reqCtx, driveAPIBase+"/about?fields=user", &about)
}

func (p *googleDriveProvider) GetOrCreateUserFolderID(ctx context.Context, userID int64, email string) (string, error) {
	reqCtx, err := p.requestContext(ctx, userID)
	if err != nil {
		return "", err
	}

	name := folderNameForEmail(email)

	folderID, err := p.findFolder(ctx, reqCtx, name)
	if err != nil {
		return "", err
	}
	if folderID != "" {
		return folderID, nil
	}

	return p.createFolder(ctx, reqCtx, name)
}

func (p *googleDriveProvider) findFolder(ctx context.Context, reqCtx *httpclient.RequestContext, name string) (string, error) {
	query := fmt.Sprintf("mimeType = '%s' and name = '%s' and trashed = false",
		folderMimeType, strings.ReplaceAll(name, "'", `\'`))
	if p.config.RootFolderID != "" {
		query += fmt.Sprintf(" and '%s' in parents", p.config.RootFolderID)
	}

	listURL := fmt.Sprintf("%s/files?q=%s&fields=files(id,name)&pageSize=1",
		driveAPIBase, url.QueryEscape(query))

	var result struct {
		Files []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"files"`
	}
	if err := p.client.GetJSON(ctx, reqCtx, listURL, &result); err != nil {
		return "", fmt.Errorf("failed to look up folder %s: %w", name, err)
	}

	if len(result.Files) == 0 {
		return "", nil
	}
	return result.Files[0].ID, nil
}

func (p *googleDriveProvider) createFolder(ctx context.Context, reqCtx *httpclient.RequestContext, name string) (string, error) {
	body := map[string]interface{}{
		"name":     name,
		"mimeType": folderMimeType,
	}
	if p.config.RootFolderID != "" {
		body["parents"] = []string{p.config.RootFolderID}
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := p.client.PostJSON(ctx, reqCtx, driveAPIBase+"/files?fields=id", body, &created); err != nil {
		return "", fmt.Errorf("failed to create folder %s: %w", name, err)
	}

	p.logger.Info("Created Drive folder",
		zap.String("name", name),
		zap.String("folder_id", created.ID),
	)

	return created.ID, nil
}

func (p *googleDriveProvider) UploadFile(ctx context.Context, userID int64, localPath, folderID, filename, mimeType, description string) (string, error) {
	reqCtx, err := p.requestContext(ctx, userID)
	if err != nil {
		return "", err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open spooled file: %w", err)
	}
	defer f.Close()

	metadata := map[string]interface{}{
		"name": filename,
	}
	if folderID != "" {
		metadata["parents"] = []string{folderID}
	}
	if description != "" {
		metadata["description"] = description
	}

	body, contentType, err := buildMultipartRelated(metadata, mimeType, f)
	if err != nil {
		return "", err
	}

	uploadURL := driveUploadBase + "/files?uploadType=multipart&fields=id"
	respBody, err := p.client.DoRaw(ctx, reqCtx, "POST", uploadURL, contentType, body)
	if err != nil {
		return "", err
	}

	var uploaded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &uploaded); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if uploaded.ID == "" {
		return "", fmt.Errorf("upload response contained no file id")
	}

	return uploaded.ID, nil
}

func (p *googleDriveProvider) DeleteFile(ctx context.Context, userID int64, fileID string) (bool, error) {
	reqCtx, err := p.requestContext(ctx, userID)
	if err != nil {
		return false, err
	}

	err = p.client.Delete(ctx, reqCtx, fmt.Sprintf("%s/files/%s", driveAPIBase, url.PathEscape(fileID)))
	if err != nil {
		if isNotFound(err) {
			// Already gone, treat as deleted.
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *googleDriveProvider) requestContext(ctx context.Context, userID int64) (*httpclient.RequestContext, error) {
	rec, err := p.tokens.FindByUserAndProvider(ctx, userID, p.Name())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("no %s credentials for user %d", p.Name(), userID)
	}

	return &httpclient.RequestContext{
		UserID:      userID,
		Provider:    p.Name(),
		AccessToken: rec.AccessToken,
	}, nil
}

// buildMultipartRelated assembles the two-part body Drive expects for a
// multipart upload: JSON metadata followed by the raw media.
func buildMultipartRelated(metadata map[string]interface{}, mimeType string, media io.Reader) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	metaPart, err := w.CreatePart(metaHeader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create metadata part: %w", err)
	}
	if err := json.NewEncoder(metaPart).Encode(metadata); err != nil {
		return nil, "", fmt.Errorf("failed to encode metadata: %w", err)
	}

	mediaHeader := textproto.MIMEHeader{}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	mediaHeader.Set("Content-Type", mimeType)
	mediaPart, err := w.CreatePart(mediaHeader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create media part: %w", err)
	}
	if _, err := io.Copy(mediaPart, media); err != nil {
		return nil, "", fmt.Errorf("failed to copy media: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	contentType := fmt.Sprintf("multipart/related; boundary=%s", w.Boundary())
	return &buf, contentType, nil
}

func folderNameForEmail(email string) string {
	name := strings.TrimSpace(strings.ToLower(email))
	if name == "" {
		name = "unknown-" + time.Now().Format("20060102")
	}
	return name
}
