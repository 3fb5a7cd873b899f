package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// DriveMirror uploads finished transcripts to a Google Drive folder as
// a best-effort off-site copy. The canonical artifacts stay on local
// disk; mirror failures never fail a job.
type DriveMirror struct {
	service    *drive.Service
	folderName string
	folderID   string
}

// NewDriveMirror creates a Drive mirror from OAuth credentials.
func NewDriveMirror(credentialsFile, tokenFile, folderName string) (*DriveMirror, error) {
	ctx := context.Background()

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %v", err)
	}

	config, err := google.ConfigFromJSON(b, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %v", err)
	}

	tok, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("unable to load oauth token (run the auth bootstrap first): %v", err)
	}
	client := config.Client(ctx, tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive service: %v", err)
	}

	dm := &DriveMirror{
		service:    srv,
		folderName: folderName,
	}
	if err := dm.ensureFolder(); err != nil {
		return nil, err
	}
	return dm, nil
}

// tokenFromFile retrieves a token from a local file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// AuthorizeDriveMirror runs the one-time console OAuth flow and caches
// the resulting token at tokenFile for later mirror sessions.
func AuthorizeDriveMirror(credentialsFile, tokenFile string) error {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return fmt.Errorf("unable to read credentials file: %v", err)
	}
	config, err := google.ConfigFromJSON(b, drive.DriveFileScope)
	if err != nil {
		return fmt.Errorf("unable to parse credentials: %v", err)
	}

	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Go to the following link in your browser:\n%v\n", authURL)
	fmt.Print("Enter authorization code: ")

	var authCode string
	if _, err := fmt.Scan(&authCode); err != nil {
		return fmt.Errorf("unable to read authorization code: %v", err)
	}

	tok, err := config.Exchange(context.Background(), authCode)
	if err != nil {
		return fmt.Errorf("unable to retrieve token: %v", err)
	}
	return SaveToken(tokenFile, tok)
}

// SaveToken writes an OAuth token to disk for later mirror sessions.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to cache oauth token: %v", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// ensureFolder finds or creates the mirror folder.
func (dm *DriveMirror) ensureFolder() error {
	query := fmt.Sprintf("name='%s' and mimeType='application/vnd.google-apps.folder' and trashed=false",
		dm.folderName)

	r, err := dm.service.Files.List().Q(query).Spaces("drive").Fields("files(id, name)").Do()
	if err != nil {
		return fmt.Errorf("unable to search for folder: %v", err)
	}

	if len(r.Files) > 0 {
		dm.folderID = r.Files[0].Id
		return nil
	}

	folder, err := dm.service.Files.Create(&drive.File{
		Name:     dm.folderName,
		MimeType: "application/vnd.google-apps.folder",
	}).Fields("id").Do()
	if err != nil {
		return fmt.Errorf("unable to create folder: %v", err)
	}
	dm.folderID = folder.Id
	return nil
}

// Upload writes one named file into the mirror folder, replacing a
// previous file of the same name so re-runs do not pile up copies.
func (dm *DriveMirror) Upload(name string, content []byte) (string, error) {
	// Replace an existing mirror copy if present.
	query := fmt.Sprintf("name='%s' and '%s' in parents and trashed=false", name, dm.folderID)
	existing, err := dm.service.Files.List().Q(query).Fields("files(id)").Do()
	if err == nil {
		for _, f := range existing.Files {
			dm.service.Files.Delete(f.Id).Do()
		}
	}

	file, err := dm.service.Files.Create(&drive.File{
		Name:    name,
		Parents: []string{dm.folderID},
	}).Media(bytes.NewReader(content)).Fields("id, webViewLink").Do()
	if err != nil {
		return "", fmt.Errorf("drive upload failed: %v", err)
	}

	return file.WebViewLink, nil
}

// Reachable reports whether the Drive API answers at all, for health
// checks.
func (dm *DriveMirror) Reachable() bool {
	_, err := dm.service.About.Get().Fields("user").Do()
	return err == nil
}
