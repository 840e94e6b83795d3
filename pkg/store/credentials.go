package store

import (
	"context"
	"encoding/base64"
	"fmt"
)

// CredentialsForService returns the encrypted credentials of a service.
// Ciphertext is stored base64-encoded and decoded here; decryption belongs
// to the vault and never happens in this package.
func (s *Store) CredentialsForService(ctx context.Context, serviceID int64) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, service_id, name, ciphertext FROM credentials WHERE service_id = $1`,
		serviceID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var creds []Credential
	for rows.Next() {
		var c Credential
		var encoded string
		if err := rows.Scan(&c.ID, &c.ServiceID, &c.Name, &encoded); err != nil {
			return nil, err
		}
		c.Ciphertext, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("credential %q: malformed ciphertext encoding", c.Name)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}
