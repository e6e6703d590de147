package save

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/zalando/go-keyring"
)

var ErrAccountNotFound = errors.New("account not found")

const (
	keyringService = "streamsub"
	keyringUser    = "accounts"
)

type Account struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	IsMain       bool      `json:"is_main"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	CreatedAt    time.Time `json:"created_at"`
}

type accountFile struct {
	Accounts []Account `json:"accounts"`
}

// AccountProvider stores accounts as one JSON blob behind a Keyring, the
// OS keyring when available or the plaintext file fallback.
type AccountProvider struct {
	ring keyring.Keyring
}

func NewAccountProvider(ring keyring.Keyring) AccountProvider {
	return AccountProvider{ring: ring}
}

func (a AccountProvider) GetAccountBy(id string) (Account, error) {
	accounts, err := a.loadAccounts()
	if err != nil {
		return Account{}, err
	}

	if i := slices.IndexFunc(accounts, func(a Account) bool { return a.ID == id }); i != -1 {
		return accounts[i], nil
	}

	return Account{}, ErrAccountNotFound
}

func (a AccountProvider) GetMainAccount() (Account, error) {
	accounts, err := a.loadAccounts()
	if err != nil {
		return Account{}, err
	}

	if i := slices.IndexFunc(accounts, func(a Account) bool { return a.IsMain }); i != -1 {
		return accounts[i], nil
	}

	return Account{}, ErrAccountNotFound
}

func (a AccountProvider) GetAllAccounts() ([]Account, error) {
	return a.loadAccounts()
}

func (a AccountProvider) Add(account Account) error {
	accounts, err := a.loadAccounts()
	if err != nil {
		return err
	}

	if i := slices.IndexFunc(accounts, func(a Account) bool { return a.ID == account.ID }); i != -1 {
		return fmt.Errorf("account with id %s already exists", account.ID)
	}

	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}

	// If account is main account, set all other accounts to not main
	if account.IsMain {
		for i := range accounts {
			accounts[i].IsMain = false
		}
	}

	accounts = append(accounts, account)

	return a.saveAccounts(accounts)
}

func (a AccountProvider) Remove(id string) error {
	accounts, err := a.loadAccounts()
	if err != nil {
		return err
	}

	i := slices.IndexFunc(accounts, func(a Account) bool { return a.ID == id })

	if i == -1 {
		return ErrAccountNotFound
	}

	// If account was main account, select a new main account if available
	if accounts[i].IsMain {
		indexNewMain := slices.IndexFunc(accounts, func(a Account) bool { return a.ID != id })

		if indexNewMain != -1 {
			accounts[indexNewMain].IsMain = true
		}
	}

	accounts = slices.Delete(accounts, i, i+1)

	return a.saveAccounts(accounts)
}

func (a AccountProvider) UpdateTokensFor(id, accessToken, refreshToken string) error {
	accounts, err := a.loadAccounts()
	if err != nil {
		return err
	}

	i := slices.IndexFunc(accounts, func(a Account) bool { return a.ID == id })

	if i == -1 {
		return ErrAccountNotFound
	}

	accounts[i].AccessToken = accessToken
	accounts[i].RefreshToken = refreshToken

	return a.saveAccounts(accounts)
}

func (a AccountProvider) loadAccounts() ([]Account, error) {
	data, err := a.ring.Get(keyringService, keyringUser)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	if data == "" {
		return nil, nil
	}

	var fileData accountFile
	if err := json.Unmarshal([]byte(data), &fileData); err != nil {
		syntaxErr := &json.SyntaxError{}
		if errors.As(err, &syntaxErr) {
			return nil, nil
		}

		return nil, err
	}

	return fileData.Accounts, nil
}

func (a AccountProvider) saveAccounts(accounts []Account) error {
	data, err := json.Marshal(accountFile{Accounts: accounts})
	if err != nil {
		return err
	}

	return a.ring.Set(keyringService, keyringUser, string(data))
}
