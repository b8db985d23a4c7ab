package pagination

type Params struct {
	Page     int `form:"page,default=1" validate:"gte=1"`
	PageSize int `form:"pageSize,default=20" validate:"gte=1,lte=250"`
}

type Meta struct {
	Page      int   `json:"page"`
	PageSize  int   `json:"pageSize"`
	Total     int64 `json:"total"`
	PageCount int   `json:"pageCount"`
}

func (p Params) Normalize() Params {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 20
	}
	if p.PageSize > 250 {
		p.PageSize = 250
	}
	return p
}

func BuildMeta(p Params, total int64) Meta {
	pageCount := int(total) / p.PageSize
	if int(total)%p.PageSize != 0 {
		pageCount++
	}
	return Meta{
		Page:      p.Page,
		PageSize:  p.PageSize,
		Total:     total,
		PageCount: pageCount,
	}
}
