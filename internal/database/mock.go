package database

import (
	"github.com/stretchr/testify/mock"
)

type MockLoungeRepository struct {
	mock.Mock
}

func (m *MockLoungeRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockLoungeRepository) CreateAccount(accountParams CreateAccountParams) (User, error) {
	args := m.Called(accountParams)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockLoungeRepository) GetAccountById(userId int) (User, error) {
	args := m.Called(userId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockLoungeRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
