package database

type LoungeRepository interface {
	Ping() error
	CreateAccount(accountParams CreateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)
}
