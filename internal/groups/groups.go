// Package groups manages named user groups and the permissions they carry.
// Membership grants are explicit calls made by the handlers that cause them
// (signup enrolls into "common", first post creation into "authors").
package groups

import (
	"encoding/json"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"guildboard/internal/models"
)

// Group names granted by application flows.
const (
	Common  = "common"
	Authors = "authors"
	Editors = "editors"
)

// PermPostEdit allows editing and deleting any listing.
const PermPostEdit = "post_edit"

// Ensure returns the named group, creating it with the given permissions if
// it does not exist yet. Permissions of an existing group are left untouched.
func Ensure(db *gorm.DB, name string, perms []string) (*models.Group, error) {
	var group models.Group
	attrs := models.Group{Name: name}
	if len(perms) > 0 {
		raw, err := json.Marshal(perms)
		if err != nil {
			return nil, err
		}
		attrs.Permissions = datatypes.JSON(raw)
	}
	if err := db.Where(models.Group{Name: name}).Attrs(attrs).FirstOrCreate(&group).Error; err != nil {
		return nil, err
	}
	return &group, nil
}

// Grant adds the user to the named group, creating the group on demand.
// Granting an existing membership is a no-op.
func Grant(db *gorm.DB, user *models.User, name string) error {
	group, err := Ensure(db, name, nil)
	if err != nil {
		return err
	}
	return db.Model(group).Association("Users").Append(user)
}

// HasPermission reports whether any of the user's groups carries perm.
func HasPermission(db *gorm.DB, userID uint, perm string) (bool, error) {
	var userGroups []models.Group
	err := db.
		Joins("JOIN user_groups ON user_groups.group_id = groups.id").
		Where("user_groups.user_id = ?", userID).
		Find(&userGroups).Error
	if err != nil {
		return false, err
	}
	for _, g := range userGroups {
		if len(g.Permissions) == 0 {
			continue
		}
		var perms []string
		if err := json.Unmarshal(g.Permissions, &perms); err != nil {
			return false, err
		}
		for _, p := range perms {
			if p == perm {
				return true, nil
			}
		}
	}
	return false, nil
}
