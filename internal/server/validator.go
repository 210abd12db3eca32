package server

import (
	"errors"
	"regexp"

	"github.com/projectpulse/notifier/internal/ierr"
)

type ProjectIdValidator struct {
	projectIdRegex *regexp.Regexp
}

func NewProjectIdValidator() *ProjectIdValidator {
	return &ProjectIdValidator{
		projectIdRegex: regexp.MustCompile(`^[\w-]+$`),
	}
}

func (v *ProjectIdValidator) Validate(projectId string) error {
	valid := v.projectIdRegex.MatchString(projectId)
	if !valid {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid projectId"))
	}

	return nil
}
