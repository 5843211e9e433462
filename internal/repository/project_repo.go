package repository

import (
	"context"
	"errors"

	"auctionsystem/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrProjectNotFound = errors.New("项目不存在")
	ErrProjectClosed   = errors.New("项目已关闭")
	ErrCapacityFull    = errors.New("项目投资额度已满")
)

type ProjectRepository struct {
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

func (r *ProjectRepository) Create(ctx context.Context, project *model.Project) error {
	return r.db.WithContext(ctx).Create(project).Error
}

func (r *ProjectRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Project, error) {
	if tx == nil {
		tx = r.db
	}
	var project model.Project
	err := tx.WithContext(ctx).Where("id = ?", id).First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return &project, nil
}

func (r *ProjectRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Project, error) {
	var project model.Project
	q := tx.WithContext(ctx)
	// 测试环境的 sqlite 不支持 SELECT ... FOR UPDATE
	if tx.Dialector.Name() == "mysql" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.Where("id = ?", id).First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return &project, nil
}

// AddRaised 条件累加已募金额
// WHERE 子句同时校验项目开放与额度充足，迟到的支付确认在这里被拒绝
func (r *ProjectRepository) AddRaised(ctx context.Context, tx *gorm.DB, projectID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Project{}).
		Where("id = ? AND state = ? AND raised + ? <= capacity", projectID, model.ProjectStateOpen, amount).
		UpdateColumn("raised", gorm.Expr("raised + ?", amount))

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		project, err := r.GetByID(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if project.State != model.ProjectStateOpen {
			return ErrProjectClosed
		}
		return ErrCapacityFull
	}
	return nil
}

// SubtractRaised 冲正时回退已募金额
func (r *ProjectRepository) SubtractRaised(ctx context.Context, tx *gorm.DB, projectID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Project{}).
		Where("id = ?", projectID).
		UpdateColumn("raised", gorm.Expr("raised - ?", amount)).Error
}
