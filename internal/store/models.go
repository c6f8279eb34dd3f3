package store

// Account holds the cloud account credentials for this box.
// AccessToken is short-lived and refreshed via RefreshToken; AccessKey is the
// device's long-lived identity secret.
type Account struct {
	UserID       string `json:"user_id"`
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	AccessKey    string `json:"access_key"`
	AccessToken  string `json:"-"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // unix seconds
}

// accountStorage is the internal struct used for DB serialization,
// preserving the access token on disk.
type accountStorage struct {
	UserID       string `json:"user_id"`
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	AccessKey    string `json:"access_key"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// PrintFile represents a cloud print file downloaded to this box.
type PrintFile struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Filename      string `json:"filename"`
	Path          string `json:"path"`
	RenderedImage string `json:"rendered_image,omitempty"`
}

// Filament is the loaded filament setting, pushed by the cloud.
type Filament struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}
